package models

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenURIUnknown marks a token whose URI could not be read.
const TokenURIUnknown = "..."

// TokenRecord is a token confirmed as owned by the queried account
type TokenRecord struct {
	ID        *big.Int       `json:"id"`
	TokenURI  string         `json:"tokenURI"`
	Creator   common.Address `json:"creator"`
	IsCreator bool           `json:"isCreator"`
}

type tokenRecordJSON struct {
	ID        string         `json:"id"`
	TokenURI  string         `json:"tokenURI"`
	Creator   common.Address `json:"creator"`
	IsCreator bool           `json:"isCreator"`
}

// MarshalJSON writes the id as a decimal string so large ids survive
// JavaScript clients.
func (r TokenRecord) MarshalJSON() ([]byte, error) {
	id := ""
	if r.ID != nil {
		id = r.ID.String()
	}
	return json.Marshal(tokenRecordJSON{
		ID:        id,
		TokenURI:  r.TokenURI,
		Creator:   r.Creator,
		IsCreator: r.IsCreator,
	})
}

// UnmarshalJSON reads the decimal string id form.
func (r *TokenRecord) UnmarshalJSON(data []byte) error {
	var raw tokenRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, ok := new(big.Int).SetString(raw.ID, 10)
	if !ok {
		return fmt.Errorf("invalid token id %q", raw.ID)
	}
	*r = TokenRecord{
		ID:        id,
		TokenURI:  raw.TokenURI,
		Creator:   raw.Creator,
		IsCreator: raw.IsCreator,
	}
	return nil
}
