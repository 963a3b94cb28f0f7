package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/money"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrVersionConflict = fmt.Errorf("%w: cart was modified concurrently", apperr.ErrConflict)

type Repository interface {
	Get(ctx context.Context, userID uuid.UUID) (*Cart, error)
	// Save stores the cart if its version still matches the stored one and
	// bumps the version on success.
	Save(ctx context.Context, c *Cart) error
}

type mongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) Repository {
	return &mongoRepository{collection: db.Collection("carts")}
}

// EnsureIndexes creates the unique user index the version check relies on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "last_updated", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60),
		},
	}

	if _, err := db.Collection("carts").Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create cart indexes: %w", err)
	}
	return nil
}

type variantDocument struct {
	Name   string `bson:"name"`
	Option string `bson:"option"`
}

type itemDocument struct {
	ProductID string           `bson:"product_id"`
	Name      string           `bson:"name"`
	Quantity  int              `bson:"quantity"`
	UnitPrice string           `bson:"unit_price"`
	Variant   *variantDocument `bson:"variant,omitempty"`
	AddedAt   time.Time        `bson:"added_at"`
}

type discountDocument struct {
	Code  string `bson:"code"`
	Type  string `bson:"type"`
	Value string `bson:"value"`
}

type cartDocument struct {
	UserID         string            `bson:"user_id"`
	Items          []itemDocument    `bson:"items"`
	Discount       *discountDocument `bson:"discount,omitempty"`
	TaxRatePercent string            `bson:"tax_rate_percent"`
	ShippingMethod string            `bson:"shipping_method"`
	ShippingCost   string            `bson:"shipping_cost"`
	Version        int64             `bson:"version"`
	CreatedAt      time.Time         `bson:"created_at"`
	LastUpdated    time.Time         `bson:"last_updated"`
}

func (m *mongoRepository) Get(ctx context.Context, userID uuid.UUID) (*Cart, error) {
	var doc cartDocument

	err := m.collection.FindOne(ctx, bson.M{"user_id": userID.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	c, err := doc.toCart()
	if err != nil {
		return nil, fmt.Errorf("failed to decode cart for user %s: %w", userID, err)
	}
	return c, nil
}

func (m *mongoRepository) Save(ctx context.Context, c *Cart) error {
	doc := fromCart(c)
	doc.Version = c.Version + 1

	filter := bson.M{"user_id": doc.UserID, "version": c.Version}
	opts := options.Update().SetUpsert(c.Version == 0)

	result, err := m.collection.UpdateOne(ctx, filter, bson.M{"$set": doc}, opts)
	if err != nil {
		// An upsert that loses the race hits the unique user index.
		if mongo.IsDuplicateKeyError(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to save cart: %w", err)
	}

	if result.MatchedCount == 0 && result.UpsertedCount == 0 {
		return ErrVersionConflict
	}

	c.Version = doc.Version
	return nil
}

func fromCart(c *Cart) cartDocument {
	doc := cartDocument{
		UserID:         c.UserID.String(),
		Items:          make([]itemDocument, 0, len(c.Items)),
		TaxRatePercent: c.TaxRatePercent.String(),
		ShippingMethod: c.Shipping.Method,
		ShippingCost:   c.Shipping.Cost.String(),
		CreatedAt:      c.CreatedAt,
		LastUpdated:    c.LastUpdated,
	}

	for _, item := range c.Items {
		itemDoc := itemDocument{
			ProductID: item.ProductID.String(),
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.String(),
			AddedAt:   item.AddedAt,
		}
		if item.Variant != nil {
			itemDoc.Variant = &variantDocument{Name: item.Variant.Name, Option: item.Variant.Option}
		}
		doc.Items = append(doc.Items, itemDoc)
	}

	if c.Discount != nil {
		doc.Discount = &discountDocument{
			Code:  c.Discount.Code,
			Type:  string(c.Discount.Type),
			Value: c.Discount.Value.String(),
		}
	}

	return doc
}

// toCart rebuilds the snapshot; totals are recomputed, never read back.
func (doc cartDocument) toCart() (*Cart, error) {
	userID, err := uuid.FromString(doc.UserID)
	if err != nil {
		return nil, err
	}

	c := Cart{
		UserID:      userID,
		Items:       make([]Item, 0, len(doc.Items)),
		Version:     doc.Version,
		CreatedAt:   doc.CreatedAt,
		LastUpdated: doc.LastUpdated,
	}

	if c.TaxRatePercent, err = decimal.NewFromString(doc.TaxRatePercent); err != nil {
		return nil, err
	}
	c.Shipping.Method = doc.ShippingMethod
	if c.Shipping.Cost, err = decimal.NewFromString(doc.ShippingCost); err != nil {
		return nil, err
	}

	for _, itemDoc := range doc.Items {
		item := Item{
			Name:     itemDoc.Name,
			Quantity: itemDoc.Quantity,
			AddedAt:  itemDoc.AddedAt,
		}
		if item.ProductID, err = uuid.FromString(itemDoc.ProductID); err != nil {
			return nil, err
		}
		if item.UnitPrice, err = decimal.NewFromString(itemDoc.UnitPrice); err != nil {
			return nil, err
		}
		if itemDoc.Variant != nil {
			item.Variant = &Variant{Name: itemDoc.Variant.Name, Option: itemDoc.Variant.Option}
		}
		c.Items = append(c.Items, item)
	}

	if doc.Discount != nil {
		value, err := decimal.NewFromString(doc.Discount.Value)
		if err != nil {
			return nil, err
		}
		c.Discount = &money.Discount{Code: doc.Discount.Code, Type: money.DiscountType(doc.Discount.Type), Value: value}
	}

	recomputed, err := c.recompute(doc.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &recomputed, nil
}
