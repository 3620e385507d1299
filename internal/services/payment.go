package services

import "strings"

const maskedCardPrefix = "****-****-****-"

// maskCard reduces card input to the snapshot that may be stored. Separators in the number are
// ignored; at least four digits are required.
func maskCard(card *CardInfo) (*PaymentInfo, error) {
	if card == nil {
		return nil, invalidField("cardInfo", "is required for card payments")
	}

	var digits strings.Builder
	for _, r := range card.Number {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return nil, invalidField("cardInfo", "number must contain digits only")
		}
	}
	number := digits.String()
	if len(number) < 4 {
		return nil, invalidField("cardInfo", "number must have at least four digits")
	}

	expiry := strings.TrimSpace(card.Expiry)
	if expiry == "" {
		return nil, invalidField("cardInfo", "expiry is required")
	}

	return &PaymentInfo{
		MaskedNumber: maskedCardPrefix + number[len(number)-4:],
		Expiry:       expiry,
	}, nil
}
