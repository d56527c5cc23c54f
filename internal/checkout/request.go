package checkout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/idempotency"
	"github.com/tradepost/checkout/internal/money"
	"github.com/tradepost/checkout/internal/payments"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// PaymentDetail is one piece of payment evidence. Exactly one kind is set:
// a card-rail intent, a gateway tx_ref/transaction id pair, or an on-chain
// transaction hash.
type PaymentDetail struct {
	Currency        string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	PaymentIntentID string `json:"paymentIntentId,omitempty" validate:"omitempty,max=255"`
	TxRef           string `json:"txRef,omitempty" validate:"omitempty,max=255"`
	TransactionID   string `json:"transactionId,omitempty" validate:"omitempty,max=64"`
	TransactionHash string `json:"transactionHash,omitempty" validate:"omitempty,min=32,max=128"`
	Network         string `json:"network,omitempty" validate:"omitempty,max=64"`
}

// IsOnchain reports whether the detail proves an on-chain transfer.
func (d PaymentDetail) IsOnchain() bool {
	return d.TransactionHash != ""
}

// PaymentDetails accepts either a single object or an array on the wire and
// always decodes to a list.
type PaymentDetails []PaymentDetail

// UnmarshalJSON implements json.Unmarshaler.
func (p *PaymentDetails) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*p = nil
		return nil
	}
	if trimmed[0] == '[' {
		var list []PaymentDetail
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*p = list
		return nil
	}
	var single PaymentDetail
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return err
	}
	*p = PaymentDetails{single}
	return nil
}

// Request is a checkout submission. UserID comes from the resolved identity,
// never from the body.
type Request struct {
	UserID         string         `json:"-" validate:"required,max=128"`
	PaymentMethod  string         `json:"paymentMethod" validate:"required"`
	PaymentDetails PaymentDetails `json:"paymentDetails" validate:"required,min=1,max=16,dive"`
}

// Validate checks the evidence shape for the chosen method and returns the
// parsed method. No I/O happens here.
func (r Request) Validate() (payments.Method, error) {
	if err := validate.Struct(r); err != nil {
		return "", validationError(err)
	}
	method, err := payments.ParseMethod(r.PaymentMethod)
	if err != nil {
		return "", err
	}

	var onchain int
	fiatCurrencies := make(map[string]struct{})
	references := make(map[string]struct{})

	for i, d := range r.PaymentDetails {
		field := fmt.Sprintf("paymentDetails[%d]", i)

		if d.IsOnchain() {
			if d.PaymentIntentID != "" || d.TxRef != "" || d.TransactionID != "" {
				return "", invalid(field, "on-chain evidence cannot carry fiat references")
			}
			onchain++
			if onchain > 1 {
				return "", invalid(field, "at most one on-chain transaction per checkout")
			}
			continue
		}

		switch method {
		case payments.MethodStripe:
			if d.PaymentIntentID == "" {
				return "", missing(field + ".paymentIntentId")
			}
			if d.TxRef != "" || d.TransactionID != "" {
				return "", invalid(field, "card payments are identified by paymentIntentId only")
			}
			if err := unique(references, d.PaymentIntentID, field); err != nil {
				return "", err
			}
		case payments.MethodFlutterwave:
			if d.TxRef == "" {
				return "", missing(field + ".txRef")
			}
			if d.TransactionID == "" {
				return "", missing(field + ".transactionId")
			}
			if d.PaymentIntentID != "" {
				return "", invalid(field, "gateway payments cannot carry a paymentIntentId")
			}
			if err := unique(references, d.TxRef, field); err != nil {
				return "", err
			}
		case payments.MethodOnchain:
			return "", invalid(field, "onchain checkout requires transactionHash")
		}

		if d.Currency != "" {
			code := money.NormalizeCode(d.Currency)
			if _, seen := fiatCurrencies[code]; seen {
				return "", invalid(field, "duplicate evidence for currency "+code)
			}
			fiatCurrencies[code] = struct{}{}
		}
	}

	if method == payments.MethodOnchain && onchain == 0 {
		return "", missing("paymentDetails.transactionHash")
	}
	if method != payments.MethodOnchain && len(r.PaymentDetails) == onchain {
		return "", apierrors.Newf(apierrors.ErrCodeMissingPayment, "%s checkout requires %s evidence", method, method)
	}
	return method, nil
}

// Discriminator is the method-specific part of the idempotency key.
func (r Request) Discriminator(method payments.Method) string {
	switch method {
	case payments.MethodStripe:
		ids := make([]string, 0, len(r.PaymentDetails))
		for _, d := range r.PaymentDetails {
			if !d.IsOnchain() {
				ids = append(ids, d.PaymentIntentID)
			}
		}
		return idempotency.IntentDiscriminator(ids)
	case payments.MethodFlutterwave:
		pairs := make([][2]string, 0, len(r.PaymentDetails))
		for _, d := range r.PaymentDetails {
			if !d.IsOnchain() {
				pairs = append(pairs, [2]string{d.TxRef, d.TransactionID})
			}
		}
		return idempotency.GatewayDiscriminator(pairs)
	default:
		return string(method)
	}
}

// fiatDetails returns the non on-chain evidence.
func (r Request) fiatDetails() []PaymentDetail {
	out := make([]PaymentDetail, 0, len(r.PaymentDetails))
	for _, d := range r.PaymentDetails {
		if !d.IsOnchain() {
			out = append(out, d)
		}
	}
	return out
}

// chainDetail returns the on-chain evidence, if any.
func (r Request) chainDetail() (PaymentDetail, bool) {
	for _, d := range r.PaymentDetails {
		if d.IsOnchain() {
			return d, true
		}
	}
	return PaymentDetail{}, false
}

func unique(seen map[string]struct{}, ref, field string) error {
	if _, ok := seen[ref]; ok {
		return invalid(field, "duplicate payment reference")
	}
	seen[ref] = struct{}{}
	return nil
}

func missing(field string) *apierrors.Error {
	return apierrors.Newf(apierrors.ErrCodeMissingField, "%s is required", field).WithDetail("field", field)
}

func invalid(field, reason string) *apierrors.Error {
	return apierrors.New(apierrors.ErrCodeInvalidField, reason).WithDetail("field", field)
}

func validationError(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apierrors.Wrap(apierrors.ErrCodeValidation, "validation failed", err)
	}
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		details[fe.Namespace()] = validationMessage(fe)
	}
	return apierrors.New(apierrors.ErrCodeValidation, "validation failed").WithDetail("fields", details)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	}
	return "is invalid"
}
