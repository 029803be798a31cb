package pagination

import (
	"fmt"
	"strconv"

	"socialhub-backend/pkg/constants"
)

// Params is a validated limit/offset window
type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Parse reads limit and offset query values. Empty values fall back to
// the defaults and the limit is clamped to constants.MaxPageSize.
func Parse(limitStr, offsetStr string) (Params, error) {
	p := Params{Limit: constants.DefaultPageSize}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < 1:
			p.Limit = 1
		case l > constants.MaxPageSize:
			p.Limit = constants.MaxPageSize
		default:
			p.Limit = l
		}
	}

	if offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid offset parameter: %w", err)
		}
		if o < 0 {
			return Params{}, fmt.Errorf("offset must not be negative")
		}
		p.Offset = o
	}
	return p, nil
}
