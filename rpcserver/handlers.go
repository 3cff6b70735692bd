package rpcserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/coordinator"
	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/store"
)

// depositAddressRequest is the shared body of both address endpoints.
// Amount is in human units and is scaled by the rune's divisibility.
type depositAddressRequest struct {
	UserPublicKey string `json:"user_public_key"`
	RuneID        string `json:"rune_id"`
	Amount        uint64 `json:"amount"`
}

type depositAddressResponse struct {
	Address string `json:"address"`
}

// baseUnits scales a human amount by the rune's divisibility.
func (s *Server) baseUnits(r *http.Request, runeID string,
	humanAmount uint64) (uint64, error) {

	metadata, err := s.cfg.Coordinator.RefreshMetadata(
		r.Context(), runeID,
	)
	if err != nil {
		return 0, err
	}

	scale := uint128.From64(1)
	for i := uint8(0); i < metadata.Divisibility; i++ {
		scale = scale.Mul64(10)
	}

	scaled := uint128.From64(humanAmount).Mul(scale)
	if scaled.Hi != 0 {
		return 0, fmt.Errorf("%w: amount overflows base units",
			coordinator.ErrInvalidInput)
	}

	return scaled.Lo, nil
}

func (s *Server) issueAddress(w http.ResponseWriter, r *http.Request,
	side deposit.Side) {

	var req depositAddressRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Amount == 0 {
		writeError(w, fmt.Errorf("%w: amount must be positive",
			coordinator.ErrInvalidInput))
		return
	}

	amount, err := s.baseUnits(r, req.RuneID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	record, err := s.cfg.Coordinator.IssueDepositAddress(
		r.Context(), req.UserPublicKey, req.RuneID, amount, side,
	)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, depositAddressResponse{Address: record.Addr})
}

func (s *Server) handleGetBtcDepositAddress(w http.ResponseWriter, r *http.Request) {
	s.issueAddress(w, r, deposit.SideBitcoin)
}

func (s *Server) handleGetSparkDepositAddress(w http.ResponseWriter, r *http.Request) {
	s.issueAddress(w, r, deposit.SideSpark)
}

type bridgeRunesRequest struct {
	BtcAddress    string `json:"btc_address"`
	BridgeAddress string `json:"bridge_address"`
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
}

func (s *Server) handleBridgeRunes(w http.ResponseWriter, r *http.Request) {
	var req bridgeRunesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// Replays of the same (address, outpoint) return the recorded
	// outcome without re-touching the tracker.
	requestID := fmt.Sprintf("bridge:%s:%s:%d", req.BtcAddress, req.TxID,
		req.Vout)

	db := s.cfg.Coordinator.Store()
	if existing, err := db.GetRequest(r.Context(), requestID); err == nil &&
		existing != nil {

		writeJSON(w, struct{}{})
		return
	}

	err := s.cfg.Coordinator.ConfirmDeposit(
		r.Context(), req.BtcAddress, req.BridgeAddress, req.TxID,
		req.Vout,
	)
	if err != nil {
		writeError(w, err)
		return
	}

	record := &store.RequestRecord{
		RequestID:   requestID,
		Kind:        "bridge_runes",
		Status:      store.RequestCompleted,
		DepositAddr: req.BtcAddress,
	}
	if err := db.InsertRequest(r.Context(), record); err != nil &&
		err != store.ErrRequestExists {

		log.Warnf("Unable to record request %s: %v", requestID, err)
	}

	writeJSON(w, struct{}{})
}

type exitSparkRequest struct {
	SparkAddress string `json:"spark_address"`
	BurnTxID     string `json:"burn_txid"`
	PayingInput  struct {
		TxID           string `json:"txid"`
		Vout           uint32 `json:"vout"`
		BtcExitAddress string `json:"btc_exit_address"`
		SatsAmount     int64  `json:"sats_amount"`
		Signature      string `json:"none_anyone_can_pay_signature"`
	} `json:"paying_input"`
}

func (s *Server) handleExitSpark(w http.ResponseWriter, r *http.Request) {
	var req exitSparkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	requestID := fmt.Sprintf("exit:%s:%s:%d", req.SparkAddress,
		req.PayingInput.TxID, req.PayingInput.Vout)

	db := s.cfg.Coordinator.Store()
	if existing, err := db.GetRequest(r.Context(), requestID); err == nil &&
		existing != nil {

		writeJSON(w, struct{}{})
		return
	}

	// Resolve the paying input's previous output from the indexer.
	prevOut, err := s.cfg.Indexer.GetOutPoint(
		r.Context(), req.PayingInput.TxID, req.PayingInput.Vout,
	)
	if err != nil {
		writeError(w, fmt.Errorf("%w: paying input unknown to "+
			"indexer", coordinator.ErrInvalidInput))
		return
	}
	if prevOut.Sats != req.PayingInput.SatsAmount {
		writeError(w, fmt.Errorf("%w: paying input carries %d sats, "+
			"body claims %d", coordinator.ErrInvalidInput,
			prevOut.Sats, req.PayingInput.SatsAmount))
		return
	}

	pkScript, err := decodeHexField(prevOut.PkScript)
	if err != nil {
		writeError(w, err)
		return
	}

	paying, err := coordinator.PayingInputFromWire(
		req.PayingInput.TxID, req.PayingInput.Vout,
		req.PayingInput.SatsAmount, req.PayingInput.Signature,
		pkScript,
	)
	if err != nil {
		writeError(w, err)
		return
	}

	txid, err := s.cfg.Coordinator.ProcessExit(
		r.Context(), &coordinator.ExitRequest{
			SparkAddress:   req.SparkAddress,
			Paying:         paying,
			BtcExitAddress: req.PayingInput.BtcExitAddress,
			BurnTxID:       req.BurnTxID,
		},
	)
	if err != nil {
		writeError(w, err)
		return
	}

	record := &store.RequestRecord{
		RequestID:   requestID,
		Kind:        "exit_spark",
		Status:      store.RequestCompleted,
		DepositAddr: req.SparkAddress,
		Outcome:     txid,
	}
	if err := db.InsertRequest(r.Context(), record); err != nil &&
		err != store.ErrRequestExists {

		log.Warnf("Unable to record request %s: %v", requestID, err)
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	btcAddress := chi.URLParam(r, "btcAddress")

	if _, err := s.cfg.Coordinator.Tracker().Cancel(
		r.Context(), btcAddress,
	); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	userPublicKey := chi.URLParam(r, "userPublicKey")

	items, err := s.cfg.Coordinator.Activity(r.Context(), userPublicKey)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, items)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txid := chi.URLParam(r, "txid")

	item, err := s.cfg.Coordinator.Transaction(r.Context(), txid)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, item)
}

func (s *Server) handleWRunes(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Coordinator.Store().ListWRunes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct{}{})
}
