package coordinator

import (
	"context"
	"encoding/hex"

	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/store"
)

// ActivityItem is one bridge attempt in the user-facing shape.
type ActivityItem struct {
	RuneID             string               `json:"rune_id"`
	Amount             uint64               `json:"amount"`
	BtcDepositAddress  string               `json:"btc_deposit_address,omitempty"`
	SparkBridgeAddress string               `json:"spark_bridge_address"`
	Status             string               `json:"status"`
	Confirmations      *uint32              `json:"confirmations,omitempty"`
	TxID               *string              `json:"txid,omitempty"`
	Vout               *uint32              `json:"vout,omitempty"`
	WRuneMetadata      *store.WRuneRecord   `json:"wrune_metadata,omitempty"`
}

// Activity lists every bridge attempt for a user public key, joined with
// the cached wrune metadata.
func (c *Coordinator) Activity(ctx context.Context, userPubKeyHex string) ([]ActivityItem, error) {
	userKeyBytes, err := hex.DecodeString(userPubKeyHex)
	if err != nil {
		return nil, ErrInvalidInput
	}

	records, err := c.cfg.Store.ListAddressesByUser(ctx, userKeyBytes)
	if err != nil {
		return nil, err
	}

	items := make([]ActivityItem, 0, len(records))
	for _, record := range records {
		items = append(items, c.activityItem(ctx, record))
	}

	return items, nil
}

// Transaction returns the single bridge attempt whose deposit outpoint is
// in the given transaction.
func (c *Coordinator) Transaction(ctx context.Context, txid string) (*ActivityItem, error) {
	record, err := c.cfg.Store.AddressByTxID(ctx, txid)
	if err != nil {
		return nil, err
	}

	item := c.activityItem(ctx, record)

	return &item, nil
}

func (c *Coordinator) activityItem(ctx context.Context,
	record *deposit.Address) ActivityItem {

	item := ActivityItem{
		RuneID:             record.RuneID,
		Amount:             record.Amount,
		SparkBridgeAddress: record.BridgeAddr,
		Status:             string(record.External()),
	}

	if record.Side == deposit.SideBitcoin {
		item.BtcDepositAddress = record.Addr
	}

	if record.EverSeenUTXO {
		confs := record.Confirmations
		item.Confirmations = &confs
	}
	if record.OutPoint != nil {
		txid := record.OutPoint.Hash.String()
		vout := record.OutPoint.Index
		item.TxID = &txid
		item.Vout = &vout
	}

	metadata, err := c.cfg.Store.GetWRune(ctx, record.RuneID)
	if err == nil && metadata != nil {
		item.WRuneMetadata = metadata
	}

	return item
}
