package indexer

import "errors"

// ErrNotFound is returned when the indexer does not know the queried
// object.
var ErrNotFound = errors.New("indexer: not found")

// TxStatus is the confirmation state of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

// TransactionResponse is the indexer's view of a transaction.
type TransactionResponse struct {
	TxID   string   `json:"txid"`
	Status TxStatus `json:"status"`
	Fee    int64    `json:"fee"`
}

// RuneBalance is one rune entry attached to an output.
type RuneBalance struct {
	// RuneID is the canonical "<block>:<tx>" identifier.
	RuneID string `json:"rune_id"`

	// Amount is the rune amount in base units, as a decimal string so
	// u128 values survive JSON.
	Amount string `json:"amount"`

	// Divisibility is the rune's decimal precision.
	Divisibility uint8 `json:"divisibility"`
}

// OutPointResponse describes one outpoint and its rune contents.
type OutPointResponse struct {
	TxID          string        `json:"txid"`
	Vout          uint32        `json:"vout"`
	Sats          int64         `json:"value"`
	PkScript      string        `json:"scriptpubkey"`
	Address       string        `json:"address"`
	Spent         bool          `json:"spent"`
	Confirmations uint32        `json:"confirmations"`
	Runes         []RuneBalance `json:"runes"`
}

// UTXOResponse is one unspent output in an address listing.
type UTXOResponse struct {
	TxID          string        `json:"txid"`
	Vout          uint32        `json:"vout"`
	Sats          int64         `json:"value"`
	PkScript      string        `json:"scriptpubkey"`
	Confirmations uint32        `json:"confirmations"`
	Runes         []RuneBalance `json:"runes"`
}
