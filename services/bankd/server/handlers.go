package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"swapbank/native/bank"
	"swapbank/services/bankd/config"
	"swapbank/services/bankd/export"
)

type amountRequest struct {
	Amount string `json:"amount"`
}

type assetAmountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type swapResponse struct {
	AssetIn   string `json:"asset_in"`
	AmountIn  string `json:"amount_in"`
	Expected  string `json:"expected"`
	MinOut    string `json:"min_out"`
	AmountOut string `json:"amount_out"`
	Reported  string `json:"reported,omitempty"`
}

type receiptResponse struct {
	ID        string        `json:"id"`
	Principal string        `json:"principal"`
	Asset     string        `json:"asset"`
	AmountIn  string        `json:"amount_in"`
	Credited  string        `json:"credited,omitempty"`
	Debited   string        `json:"debited,omitempty"`
	Balance   string        `json:"balance"`
	Total     string        `json:"total"`
	Sequence  uint64        `json:"sequence"`
	Swap      *swapResponse `json:"swap,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type assetResponse struct {
	Address    string `json:"address"`
	Symbol     string `json:"symbol"`
	Kind       string `json:"kind"`
	Decimals   uint8  `json:"decimals"`
	Supported  bool   `json:"supported"`
	MinDeposit string `json:"min_deposit,omitempty"`
	MaxDeposit string `json:"max_deposit,omitempty"`
}

func (s *Server) handleDepositNative(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "deposit_native", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, "deposit_native", err)
		return
	}
	var receipt bank.Receipt
	err = s.sequenced(r.Context(), func(ctx context.Context) error {
		var err error
		receipt, err = s.deps.Bank.DepositNative(ctx, principal, amount)
		return err
	})
	if err != nil {
		s.fail(w, r, "deposit_native", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptFrom(receipt))
}

func (s *Server) handleDepositAsset(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req assetAmountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "deposit_asset", err)
		return
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		s.fail(w, r, "deposit_asset", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, "deposit_asset", err)
		return
	}
	var receipt bank.Receipt
	err = s.sequenced(r.Context(), func(ctx context.Context) error {
		var err error
		receipt, err = s.deps.Bank.DepositAsset(ctx, principal, asset, amount)
		return err
	})
	if err != nil {
		s.fail(w, r, "deposit_asset", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptFrom(receipt))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	var receipt bank.Receipt
	err = s.sequenced(r.Context(), func(ctx context.Context) error {
		var err error
		receipt, err = s.deps.Bank.Withdraw(ctx, principal, amount)
		return err
	})
	if err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptFrom(receipt))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())
	raw := strings.TrimSpace(chi.URLParam(r, "principal"))
	if !common.IsHexAddress(raw) {
		writeError(w, r, http.StatusBadRequest, "principal must be a hex address")
		return
	}
	principal := common.HexToAddress(raw)
	if principal != caller {
		writeError(w, r, http.StatusForbidden, "balance belongs to another principal")
		return
	}
	asset := s.deps.Bank.UnitAsset()
	if q := strings.TrimSpace(r.URL.Query().Get("asset")); q != "" {
		parsed, err := parseAsset(q)
		if err != nil {
			s.fail(w, r, "balance", err)
			return
		}
		asset = parsed
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"principal": normalizeAddress(principal),
		"asset":     normalizeAddress(asset),
		"balance":   amountText(s.deps.Bank.BalanceOf(principal, asset)),
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	asset, err := parseAsset(query.Get("asset"))
	if err != nil {
		s.fail(w, r, "preview", err)
		return
	}
	amount, err := parseAmount(query.Get("amount"))
	if err != nil {
		s.fail(w, r, "preview", err)
		return
	}
	expected, err := s.deps.Bank.PreviewConversion(r.Context(), asset, amount)
	if err != nil {
		s.fail(w, r, "preview", err)
		return
	}
	resp := map[string]string{
		"asset":    normalizeAddress(asset),
		"amount":   amount.Dec(),
		"expected": expected.Dec(),
	}
	if asset != s.deps.Bank.UnitAsset() {
		resp["min_out"] = bank.MinAcceptableOutput(expected).Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.deps.Bank.CurrentReferencePrice(r.Context())
	if err != nil {
		s.fail(w, r, "price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"value":       bigText(price.Value),
		"decimals":    price.Decimals,
		"round_id":    bigText(price.RoundID),
		"updated_at":  price.UpdatedAt.UTC(),
		"age_seconds": int64(s.now().Sub(price.UpdatedAt) / time.Second),
	})
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	totals := s.deps.Bank.Totals()
	writeJSON(w, http.StatusOK, map[string]any{
		"custodied":          amountText(totals.Custodied),
		"capacity_ceiling":   amountText(totals.CapacityCeiling),
		"withdrawal_ceiling": amountText(totals.WithdrawalCeiling),
		"deposits":           totals.Deposits,
		"withdrawals":        totals.Withdrawals,
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.deps.Bank.Assets()
	out := make([]assetResponse, 0, len(assets))
	for _, desc := range assets {
		out = append(out, assetFrom(desc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out})
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address    string `json:"address"`
		Symbol     string `json:"symbol"`
		Decimals   uint8  `json:"decimals"`
		MinDeposit string `json:"min_deposit"`
		MaxDeposit string `json:"max_deposit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "register_asset", err)
		return
	}
	desc, err := config.AssetSeed{
		Address:    req.Address,
		Symbol:     req.Symbol,
		Decimals:   req.Decimals,
		MinDeposit: req.MinDeposit,
		MaxDeposit: req.MaxDeposit,
	}.Descriptor()
	if err != nil {
		s.fail(w, r, "register_asset", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	err = s.sequenced(r.Context(), func(ctx context.Context) error {
		return s.deps.Bank.RegisterAsset(ctx, desc)
	})
	if err != nil {
		s.fail(w, r, "register_asset", err)
		return
	}
	registered, err := s.deps.Bank.Describe(desc.ID)
	if err != nil {
		s.fail(w, r, "register_asset", err)
		return
	}
	s.log.Info("bankd/server: asset registered", "asset", normalizeAddress(desc.ID), "symbol", registered.Symbol)
	writeJSON(w, http.StatusCreated, assetFrom(registered))
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.FaucetEnabled {
		writeError(w, r, http.StatusNotFound, "faucet disabled")
		return
	}
	var req struct {
		Principal string `json:"principal"`
		Asset     string `json:"asset"`
		Amount    string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "faucet", err)
		return
	}
	principal, err := config.ParseAddress("principal", req.Principal)
	if err != nil {
		s.fail(w, r, "faucet", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		s.fail(w, r, "faucet", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, "faucet", err)
		return
	}
	err = s.sequenced(r.Context(), func(context.Context) error {
		return s.deps.Minter.Mint(asset, principal, amount)
	})
	if err != nil {
		s.fail(w, r, "faucet", err)
		return
	}
	s.log.Info("bankd/server: faucet mint", "principal", normalizeAddress(principal), "asset", normalizeAddress(asset), "amount", amount.Dec())
	writeJSON(w, http.StatusOK, map[string]string{
		"principal": normalizeAddress(principal),
		"asset":     normalizeAddress(asset),
		"amount":    amount.Dec(),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.cfg.ExportDir) == "" {
		writeError(w, r, http.StatusNotFound, "export not configured")
		return
	}
	var result export.Result
	err := s.sequenced(r.Context(), func(context.Context) error {
		var err error
		result, err = export.Snapshot(s.cfg.ExportDir, s.deps.Bank, s.now())
		return err
	})
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	s.log.Info("bankd/server: ledger exported", "path", result.Path, "rows", result.Rows)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			s.log.Warn("bankd/server: health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	if s.deps.PriceStatus != nil {
		status := s.deps.PriceStatus()
		price := map[string]any{"healthy": status.Healthy()}
		if !status.CheckedAt.IsZero() {
			price["checked_at"] = status.CheckedAt.UTC()
			price["age_seconds"] = int64(status.Age / time.Second)
		}
		if status.Err != nil {
			price["error"] = status.Err.Error()
		}
		if !status.Healthy() {
			resp["status"] = "degraded"
		}
		resp["price"] = price
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body required", errBadRequest)
		}
		return fmt.Errorf("%w: invalid json: %v", errBadRequest, err)
	}
	return nil
}

// parseAmount accepts a base-10 integer in the asset's smallest unit. Zero is
// passed through so the engine reports it.
func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", errBadRequest)
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", errBadRequest, trimmed, err)
	}
	return amount, nil
}

// parseAsset accepts a hex address or "native" for the native asset.
func parseAsset(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "native") {
		return bank.NativeAsset, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: asset %q is not an address", errBadRequest, trimmed)
	}
	return common.HexToAddress(trimmed), nil
}

func receiptFrom(rc bank.Receipt) receiptResponse {
	resp := receiptResponse{
		ID:        rc.ID,
		Principal: normalizeAddress(rc.Principal),
		Asset:     normalizeAddress(rc.Asset),
		AmountIn:  amountText(rc.AmountIn),
		Credited:  optionalText(rc.Credited),
		Debited:   optionalText(rc.Debited),
		Balance:   amountText(rc.Balance),
		Total:     amountText(rc.Total),
		Sequence:  rc.Sequence,
		Timestamp: rc.Timestamp.UTC(),
	}
	if rc.Swap != nil {
		resp.Swap = &swapResponse{
			AssetIn:   normalizeAddress(rc.Swap.AssetIn),
			AmountIn:  amountText(rc.Swap.AmountIn),
			Expected:  amountText(rc.Swap.Expected),
			MinOut:    amountText(rc.Swap.MinOut),
			AmountOut: amountText(rc.Swap.AmountOut),
			Reported:  optionalText(rc.Swap.Reported),
		}
	}
	return resp
}

func assetFrom(desc bank.AssetDescriptor) assetResponse {
	return assetResponse{
		Address:    normalizeAddress(desc.ID),
		Symbol:     desc.Symbol,
		Kind:       desc.Kind.String(),
		Decimals:   desc.Decimals,
		Supported:  desc.Supported,
		MinDeposit: optionalText(desc.MinDeposit),
		MaxDeposit: optionalText(desc.MaxDeposit),
	}
}

func amountText(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func optionalText(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func bigText(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
