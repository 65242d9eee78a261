package mail

import (
	"fmt"
	"strings"

	"github.com/pitabwire/detention-letters/model"
)

const letterBody = "Please find attached critical documents that provide the proper procedures for installation and backfilling of material your company recently ordered from Contech.    " +
	"Please contact your local sales engineer if you have specific questions related to the installation process."

const missingRecipientBody = "The Sold To Contact associated to this Order does not have an email address.  " +
	"You must manually create and send the appropriate letter and attachment to the customer.  " +
	"Please update the contact’s email address in CRM so it is available for the next order."

// LetterSubject is the subject line of the customer letter email.
func LetterSubject(o model.OrderSummary) string {
	return fmt.Sprintf("Important Installation Procedures: %s: %s – %s, %s", o.OrderNumber, o.OrderName, o.City, o.State)
}

// MissingRecipientSubject is the subject line of the alert sent when an
// order has no usable sold-to address.
func MissingRecipientSubject(orderNumber string) string {
	return "ALERT:  Large Diameter/Detention Letter was NOT sent for: " + orderNumber
}

// LetterMessage builds the email carrying an order's letters and guides to
// the sold-to contact.
func LetterMessage(from string, o model.OrderSummary, cc, attachments []string) model.Message {
	return model.Message{
		From:        from,
		To:          []string{strings.TrimSpace(o.SoldToEmail)},
		Cc:          cc,
		Subject:     LetterSubject(o),
		HTMLBody:    letterBody,
		Attachments: attachments,
	}
}

// MissingRecipientMessage builds the alert sent to the user who last
// modified an order whose sold-to contact has no valid address.
func MissingRecipientMessage(from, to, orderNumber string) model.Message {
	return model.Message{
		From:     from,
		To:       []string{to},
		Subject:  MissingRecipientSubject(orderNumber),
		HTMLBody: missingRecipientBody,
	}
}
