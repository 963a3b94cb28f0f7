// Package notification tells customers, the shop admin and other services
// about committed order and payment events. Delivery failures are logged and
// never reach the caller.
package notification

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/keighl/postmark"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
)

// Mailer is the part of the Postmark client the notifier uses.
type Mailer interface {
	SendEmail(email postmark.Email) (postmark.EmailResponse, error)
}

type EmailNotifier struct {
	mailer Mailer
	from   string
	admin  string
}

func NewEmailNotifier(mailer Mailer, from, admin string) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, from: from, admin: admin}
}

func (n *EmailNotifier) OrderPlaced(_ context.Context, o *order.Order) {
	n.toCustomer(o, "order-placed",
		fmt.Sprintf("Order %s placed", o.Number),
		fmt.Sprintf("Thank you for your order %s. Amount due on delivery: %s.", o.Number, o.Totals.Total.StringFixed(2)),
		itemLines(o))
}

func (n *EmailNotifier) PaymentSucceeded(_ context.Context, o *order.Order) {
	n.toCustomer(o, "payment-succeeded",
		fmt.Sprintf("Payment received for order %s", o.Number),
		fmt.Sprintf("We received your payment of %s for order %s.", o.Totals.Total.StringFixed(2), o.Number),
		itemLines(o))

	if n.admin == "" {
		return
	}
	n.send(o, postmark.Email{
		From:     n.from,
		To:       n.admin,
		Subject:  fmt.Sprintf("New paid order %s", o.Number),
		Tag:      "admin-new-order",
		TextBody: fmt.Sprintf("Order %s was paid: %s, transaction %s.", o.Number, o.Totals.Total.StringFixed(2), o.Payment.TransactionID),
	})
}

func (n *EmailNotifier) PaymentFailed(_ context.Context, o *order.Order) {
	n.toCustomer(o, "payment-failed",
		fmt.Sprintf("Payment failed for order %s", o.Number),
		fmt.Sprintf("Your payment for order %s did not go through and the order was cancelled.", o.Number),
		nil)
}

func (n *EmailNotifier) StatusChanged(_ context.Context, o *order.Order, from order.Status) {
	var extra []string
	if o.Status.Current == order.StatusShipped && o.Shipping.Tracking != nil {
		extra = append(extra, "Track your parcel: "+o.Shipping.Tracking.URL)
	}
	n.toCustomer(o, "status-changed",
		fmt.Sprintf("Order %s is now %s", o.Number, o.Status.Current),
		fmt.Sprintf("Your order %s moved from %s to %s.", o.Number, from, o.Status.Current),
		extra)
}

func (n *EmailNotifier) toCustomer(o *order.Order, tag, subject, lead string, lines []string) {
	to := o.Shipping.Address.Email
	if to == "" {
		log.Debug().Stringer("order_id", o.ID).Str("tag", tag).Msg("notification: order has no email address, skipped")
		return
	}

	text := lead
	if len(lines) > 0 {
		text += "\n\n" + strings.Join(lines, "\n")
	}

	var body strings.Builder
	body.WriteString("<p>" + html.EscapeString(lead) + "</p>")
	if len(lines) > 0 {
		body.WriteString("<ul>")
		for _, line := range lines {
			body.WriteString("<li>" + html.EscapeString(line) + "</li>")
		}
		body.WriteString("</ul>")
	}

	n.send(o, postmark.Email{
		From:     n.from,
		To:       to,
		Subject:  subject,
		Tag:      tag,
		HtmlBody: body.String(),
		TextBody: text,
	})
}

func (n *EmailNotifier) send(o *order.Order, email postmark.Email) {
	if _, err := n.mailer.SendEmail(email); err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Str("tag", email.Tag).Msg("notification: failed to send email")
		return
	}
	log.Debug().Stringer("order_id", o.ID).Str("tag", email.Tag).Msg("notification: email sent")
}

func itemLines(o *order.Order) []string {
	lines := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, fmt.Sprintf("%d x %s @ %s", item.Quantity, item.Name, item.UnitPrice.StringFixed(2)))
	}
	return lines
}
