package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Mongo        MongoConfig        `yaml:"mongo"`
	Redis        RedisConfig        `yaml:"redis"`
	Payment      PaymentConfig      `yaml:"payment"`
	Shipping     ShippingConfig     `yaml:"shipping"`
	Notification NotificationConfig `yaml:"notification"`
	Pricing      PricingConfig      `yaml:"pricing"`
}

type AppConfig struct {
	Port            string        `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	CheckoutTimeout time.Duration `yaml:"checkout_timeout"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MigrationsPath  string        `yaml:"migrations_path"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PaymentConfig struct {
	BaseURL     string        `yaml:"base_url"`
	MerchantID  string        `yaml:"merchant_id"`
	SaltKey     string        `yaml:"-"`
	SaltIndex   int           `yaml:"salt_index"`
	RedirectURL string        `yaml:"redirect_url"`
	CallbackURL string        `yaml:"callback_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

type ShippingConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"-"`
	PickupLocation string        `yaml:"pickup_location"`
	TrackingURL    string        `yaml:"tracking_url"`
	Timeout        time.Duration `yaml:"timeout"`
	BatchSize      int           `yaml:"batch_size"`
	BatchDelay     time.Duration `yaml:"batch_delay"`
	DefaultETADays int           `yaml:"default_eta_days"`
}

type NotificationConfig struct {
	PostmarkToken string `yaml:"-"`
	FromEmail     string `yaml:"from_email"`
	AdminEmail    string `yaml:"admin_email"`
	KafkaBrokers  string `yaml:"kafka_brokers"`
	KafkaTopic    string `yaml:"kafka_topic"`
}

// PricingConfig holds the checkout pricing policy. Amounts are decimal strings.
type PricingConfig struct {
	TaxRatePercent        string                  `yaml:"tax_rate_percent"`
	DefaultShippingMethod string                  `yaml:"default_shipping_method"`
	FreeShippingThreshold string                  `yaml:"free_shipping_threshold"`
	ShippingMethods       map[string]string       `yaml:"shipping_methods"`
	Coupons               map[string]CouponConfig `yaml:"coupons"`
}

type CouponConfig struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// Load reads an optional .env file, an optional YAML file and then applies
// environment overrides. Missing required settings are reported together.
func Load(envPath, yamlPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load %s: %w", envPath, err)
		}
	}

	cfg := defaults()

	if yamlPath == "" {
		yamlPath = os.Getenv("CONFIG_PATH")
	}
	if yamlPath != "" {
		if err := loadYAML(yamlPath, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// yaml.v3 merges into non-nil maps, so the default table is applied last.
	if len(cfg.Pricing.ShippingMethods) == 0 {
		cfg.Pricing.ShippingMethods = map[string]string{"standard": "50", "express": "120"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.App.Port = "8080"
	cfg.App.LogLevel = "info"
	cfg.App.LogFormat = "json"
	cfg.App.CheckoutTimeout = 15 * time.Second

	cfg.Postgres.Port = "5432"
	cfg.Postgres.SSLMode = "disable"
	cfg.Postgres.MigrationsPath = "migrations"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2
	cfg.Postgres.MaxConnLifetime = time.Hour

	cfg.Mongo.URI = "mongodb://localhost:27017"
	cfg.Mongo.Database = "ecommerce"

	cfg.Redis.Addr = "localhost:6379"

	cfg.Payment.BaseURL = "https://api-preprod.phonepe.com/apis/pg-sandbox"
	cfg.Payment.SaltIndex = 1
	cfg.Payment.Timeout = 10 * time.Second

	cfg.Shipping.BaseURL = "https://staging-express.delhivery.com"
	cfg.Shipping.TrackingURL = "https://www.delhivery.com/track/package/%s"
	cfg.Shipping.Timeout = 10 * time.Second
	cfg.Shipping.BatchSize = 5
	cfg.Shipping.BatchDelay = time.Second
	cfg.Shipping.DefaultETADays = 5

	cfg.Notification.KafkaTopic = "order-events"

	cfg.Pricing.TaxRatePercent = "18"
	cfg.Pricing.DefaultShippingMethod = "standard"

	return cfg
}

func loadYAML(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: failed to open config file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("config: invalid config file %s: %w", path, err)
	}

	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.App.Port, "APP_PORT")
	setString(&cfg.App.LogLevel, "LOG_LEVEL")
	setString(&cfg.App.LogFormat, "LOG_FORMAT")

	setString(&cfg.Postgres.Host, "DB_HOST")
	setString(&cfg.Postgres.Port, "DB_PORT")
	setString(&cfg.Postgres.User, "DB_USER")
	setString(&cfg.Postgres.Password, "DB_PASSWORD")
	setString(&cfg.Postgres.DBName, "DB_NAME")
	setString(&cfg.Postgres.SSLMode, "DB_SSLMODE")
	setString(&cfg.Postgres.MigrationsPath, "DB_MIGRATIONS_PATH")

	setString(&cfg.Mongo.URI, "MONGO_URI")
	setString(&cfg.Mongo.Database, "MONGO_DATABASE")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.Payment.BaseURL, "PAYMENT_BASE_URL")
	setString(&cfg.Payment.MerchantID, "PAYMENT_MERCHANT_ID")
	setString(&cfg.Payment.SaltKey, "PAYMENT_SALT_KEY")
	setString(&cfg.Payment.RedirectURL, "PAYMENT_REDIRECT_URL")
	setString(&cfg.Payment.CallbackURL, "PAYMENT_CALLBACK_URL")

	setString(&cfg.Shipping.BaseURL, "SHIPPING_BASE_URL")
	setString(&cfg.Shipping.Token, "SHIPPING_API_TOKEN")
	setString(&cfg.Shipping.PickupLocation, "SHIPPING_PICKUP_LOCATION")

	setString(&cfg.Notification.PostmarkToken, "POSTMARK_API_TOKEN")
	setString(&cfg.Notification.FromEmail, "EMAIL_SENDER")
	setString(&cfg.Notification.AdminEmail, "ADMIN_EMAIL")
	setString(&cfg.Notification.KafkaBrokers, "KAFKA_BROKERS")
	setString(&cfg.Notification.KafkaTopic, "KAFKA_TOPIC")

	setString(&cfg.Pricing.TaxRatePercent, "TAX_RATE_PERCENT")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Redis.DB, "REDIS_DB"},
		{&cfg.Payment.SaltIndex, "PAYMENT_SALT_INDEX"},
		{&cfg.Shipping.BatchSize, "SHIPPING_BATCH_SIZE"},
	}
	for _, i := range ints {
		if err := setInt(i.dst, i.key); err != nil {
			return err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.App.CheckoutTimeout, "CHECKOUT_TIMEOUT"},
		{&cfg.Payment.Timeout, "PAYMENT_TIMEOUT"},
		{&cfg.Shipping.Timeout, "SHIPPING_TIMEOUT"},
		{&cfg.Shipping.BatchDelay, "SHIPPING_BATCH_DELAY"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	var missing []string
	required := map[string]string{
		"DB_HOST":             c.Postgres.Host,
		"DB_USER":             c.Postgres.User,
		"DB_NAME":             c.Postgres.DBName,
		"PAYMENT_MERCHANT_ID": c.Payment.MerchantID,
		"PAYMENT_SALT_KEY":    c.Payment.SaltKey,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}

	if c.Payment.SaltIndex < 1 {
		return fmt.Errorf("config: PAYMENT_SALT_INDEX must be positive, got %d", c.Payment.SaltIndex)
	}
	if c.Shipping.BatchSize < 1 {
		return fmt.Errorf("config: SHIPPING_BATCH_SIZE must be positive, got %d", c.Shipping.BatchSize)
	}

	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s must be a duration: %w", key, err)
	}
	*dst = d
	return nil
}
