// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chainlog wraps the KinicMemoryLog audit contract on Monad.
//
// Every memory operation mirrors a compact record on-chain: opType 0 for
// knowledge events (inserts and chat turns), 1 for searches. Records are
// append-only; the contract assigns ascending ids starting at 0.
package chainlog

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

var tracer = otel.Tracer("services/chainlog")

const backendName = "monad"

const (
	// OpInsert marks a knowledge event (insert or chat turn).
	OpInsert uint8 = 0

	// OpSearch marks a search audit record.
	OpSearch uint8 = 1

	// MaxTitleBytes and MaxSummaryBytes are enforced by the contract.
	MaxTitleBytes   = 100
	MaxSummaryBytes = 200

	defaultSubmitTimeout  = 15 * time.Second
	defaultConfirmTimeout = 20 * time.Second

	// gasMarginNum/Den apply a 1.2x safety margin to gas estimates.
	gasMarginNum = 120
	gasMarginDen = 100
)

const contractABIJSON = `[
  {"type":"function","name":"logMemory","stateMutability":"nonpayable",
   "inputs":[{"name":"opType","type":"uint8"},{"name":"title","type":"string"},
             {"name":"summary","type":"string"},{"name":"tags","type":"string"},
             {"name":"contentHash","type":"bytes32"}],
   "outputs":[{"name":"id","type":"uint256"}]},
  {"type":"function","name":"getMemory","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[{"name":"user","type":"address"},{"name":"opType","type":"uint8"},
              {"name":"title","type":"string"},{"name":"summary","type":"string"},
              {"name":"tags","type":"string"},{"name":"contentHash","type":"bytes32"},
              {"name":"timestamp","type":"uint256"}]},
  {"type":"function","name":"getTotalMemories","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getUserMemoryCount","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"MemoryLogged","anonymous":false,
   "inputs":[{"name":"id","type":"uint256","indexed":true},
             {"name":"user","type":"address","indexed":true},
             {"name":"opType","type":"uint8","indexed":false},
             {"name":"title","type":"string","indexed":false},
             {"name":"tags","type":"string","indexed":false}]}
]`

// Record is one audit entry as stored by the contract.
type Record struct {
	ID          uint64 `json:"id"`
	User        string `json:"user"`
	OpType      uint8  `json:"op_type"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Tags        string `json:"tags"`
	ContentHash string `json:"content_hash"`
	Timestamp   uint64 `json:"timestamp"`
}

// Event is the slim projection emitted by MemoryLogged. It exists for
// id discovery; GetByID hydrates the full Record.
type Event struct {
	ID     uint64
	User   string
	OpType uint8
	Title  string
	Tags   string
	Block  uint64
}

// Client is the audit-log surface the pipeline and cache depend on.
type Client interface {
	// WriteLog submits one record and waits for a confirmation. Returns
	// the transaction hash.
	WriteLog(ctx context.Context, opType uint8, title, summary, tags, fingerprint string) (string, error)

	// GetTotal returns the number of records on-chain.
	GetTotal(ctx context.Context) (uint64, error)

	// GetByID fetches one record.
	GetByID(ctx context.Context, id uint64) (Record, error)

	// ListEvents scans MemoryLogged between the two block numbers,
	// inclusive. toBlock of 0 means latest.
	ListEvents(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error)

	// UserMemoryCount returns the per-signer record count.
	UserMemoryCount(ctx context.Context, user string) (uint64, error)

	// Address is the signer address records are attributed to.
	Address() string

	// Healthy probes the RPC endpoint.
	Healthy(ctx context.Context) error
}

// Config for the contract client. RPCURL, SignerKey and ContractAddress
// are required.
type Config struct {
	RPCURL          string
	SignerKey       string
	ContractAddress string

	// SubmitTimeout bounds nonce/gas/send. Default 15s.
	SubmitTimeout time.Duration

	// ConfirmTimeout bounds the receipt wait. Default 20s.
	ConfirmTimeout time.Duration

	Logger *slog.Logger
}

// Logger signs and submits audit records. All writes serialize on signerMu
// so nonces stay monotonic; reads run concurrently.
type Logger struct {
	eth         *ethclient.Client
	contractABI abi.ABI
	contract    common.Address
	key         *ecdsa.PrivateKey
	from        common.Address
	chainID     *big.Int

	submitTimeout  time.Duration
	confirmTimeout time.Duration

	signerMu sync.Mutex
	logger   *slog.Logger
}

var _ Client = (*Logger)(nil)

// New dials the RPC endpoint and verifies it by fetching the chain id.
func New(ctx context.Context, cfg Config) (*Logger, error) {
	if cfg.RPCURL == "" || cfg.SignerKey == "" || cfg.ContractAddress == "" {
		return nil, apperr.New(apperr.KindInternal,
			"chain client requires rpc url, signer key, and contract address")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, backendName, err, "parse signer key")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, apperr.New(apperr.KindInternal, "contract address is not a hex address")
	}

	parsedABI, err := abi.JSON(strings.NewReader(contractABIJSON))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, backendName, err, "parse contract abi")
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteUnavailable, backendName, err, "dial rpc endpoint")
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, apperr.Wrap(apperr.KindRemoteUnavailable, backendName, err, "fetch chain id")
	}

	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	logger.Info("chain client ready",
		"chain_id", chainID.String(),
		"signer", from.Hex(),
		"contract", cfg.ContractAddress,
	)

	return &Logger{
		eth:            eth,
		contractABI:    parsedABI,
		contract:       common.HexToAddress(cfg.ContractAddress),
		key:            key,
		from:           from,
		chainID:        chainID,
		submitTimeout:  submitTimeout,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}, nil
}

// Close releases the RPC connection.
func (l *Logger) Close() {
	l.eth.Close()
}

// Address returns the signer address.
func (l *Logger) Address() string {
	return l.from.Hex()
}

// WriteLog validates field bounds, submits logMemory, and waits for one
// confirmation.
func (l *Logger) WriteLog(ctx context.Context, opType uint8, title, summary, tags, fingerprint string) (string, error) {
	ctx, span := tracer.Start(ctx, "chainlog.write")
	defer span.End()
	span.SetAttributes(attribute.Int("op_type", int(opType)))

	if opType > OpSearch {
		return "", apperr.Newf(apperr.KindInternal, "opType %d out of range", opType)
	}
	if strings.TrimSpace(title) == "" {
		return "", apperr.New(apperr.KindInternal, "audit title must not be empty")
	}
	title = truncateBytes(title, MaxTitleBytes)
	summary = truncateBytes(summary, MaxSummaryBytes)

	hash, err := parseFingerprint(fingerprint)
	if err != nil {
		return "", err
	}

	data, err := l.contractABI.Pack("logMemory", opType, title, summary, tags, hash)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, backendName, err, "pack logMemory call")
	}

	tx, err := l.submit(ctx, data)
	if err != nil {
		return "", err
	}
	txHash := tx.Hash().Hex()

	confirmCtx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(confirmCtx, l.eth, tx)
	if err != nil {
		if confirmCtx.Err() != nil {
			return "", apperr.Newf(apperr.KindTimeout,
				"no receipt for %s within %s", txHash, l.confirmTimeout).WithBackend(backendName)
		}
		return "", apperr.Wrap(apperr.KindRemoteUnavailable, backendName, err, "wait for receipt")
	}
	if receipt.Status == types.ReceiptStatusFailed {
		reason := l.revertReason(ctx, data, receipt.BlockNumber)
		return "", apperr.Newf(apperr.KindReverted, "logMemory reverted: %s", reason).
			WithBackend(backendName)
	}

	l.logger.Info("audit record confirmed",
		"tx", txHash,
		"op_type", opType,
		"block", receipt.BlockNumber.Uint64(),
	)
	return txHash, nil
}

// submit serializes nonce acquisition and send under the signer mutex.
// The receipt wait happens outside it so confirmation latency never blocks
// other writers.
func (l *Logger) submit(ctx context.Context, data []byte) (*types.Transaction, error) {
	l.signerMu.Lock()
	defer l.signerMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.submitTimeout)
	defer cancel()

	nonce, err := l.eth.PendingNonceAt(ctx, l.from)
	if err != nil {
		return nil, l.classify(ctx, err, "fetch nonce")
	}
	gasPrice, err := l.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, l.classify(ctx, err, "fetch gas price")
	}

	gasLimit, err := l.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: l.from,
		To:   &l.contract,
		Data: data,
	})
	if err != nil {
		return nil, l.classify(ctx, err, "estimate gas")
	}
	gasLimit = gasLimit * gasMarginNum / gasMarginDen

	tx := types.NewTransaction(nonce, l.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, backendName, err, "sign transaction")
	}

	if err := l.eth.SendTransaction(ctx, signed); err != nil {
		return nil, l.classify(ctx, err, "send transaction")
	}
	return signed, nil
}

// GetTotal calls getTotalMemories.
func (l *Logger) GetTotal(ctx context.Context) (uint64, error) {
	out, err := l.call(ctx, "getTotalMemories")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// GetByID calls getMemory and decodes the full record.
func (l *Logger) GetByID(ctx context.Context, id uint64) (Record, error) {
	out, err := l.call(ctx, "getMemory", new(big.Int).SetUint64(id))
	if err != nil {
		return Record{}, err
	}

	hash := out[5].([32]byte)
	return Record{
		ID:          id,
		User:        out[0].(common.Address).Hex(),
		OpType:      out[1].(uint8),
		Title:       out[2].(string),
		Summary:     out[3].(string),
		Tags:        out[4].(string),
		ContentHash: "0x" + hex.EncodeToString(hash[:]),
		Timestamp:   out[6].(*big.Int).Uint64(),
	}, nil
}

// UserMemoryCount calls getUserMemoryCount for the address.
func (l *Logger) UserMemoryCount(ctx context.Context, user string) (uint64, error) {
	if !common.IsHexAddress(user) {
		return 0, apperr.Newf(apperr.KindBadRequest, "%q is not a hex address", user)
	}
	out, err := l.call(ctx, "getUserMemoryCount", common.HexToAddress(user))
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// ListEvents scans MemoryLogged logs in the block range.
func (l *Logger) ListEvents(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "chainlog.list_events")
	defer span.End()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{l.contract},
		Topics:    [][]common.Hash{{l.contractABI.Events["MemoryLogged"].ID}},
	}
	if toBlock > 0 {
		query.ToBlock = new(big.Int).SetUint64(toBlock)
	}

	logs, err := l.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, l.classify(ctx, err, "filter MemoryLogged events")
	}

	events := make([]Event, 0, len(logs))
	for _, entry := range logs {
		if len(entry.Topics) < 3 {
			continue
		}
		var decoded struct {
			OpType uint8
			Title  string
			Tags   string
		}
		if err := l.contractABI.UnpackIntoInterface(&decoded, "MemoryLogged", entry.Data); err != nil {
			l.logger.Warn("skipping undecodable MemoryLogged event",
				"block", entry.BlockNumber, "error", err)
			continue
		}
		events = append(events, Event{
			ID:     new(big.Int).SetBytes(entry.Topics[1].Bytes()).Uint64(),
			User:   common.BytesToAddress(entry.Topics[2].Bytes()).Hex(),
			OpType: decoded.OpType,
			Title:  decoded.Title,
			Tags:   decoded.Tags,
			Block:  entry.BlockNumber,
		})
	}
	span.SetAttributes(attribute.Int("events", len(events)))
	return events, nil
}

// Healthy probes the RPC endpoint with a block-number query.
func (l *Logger) Healthy(ctx context.Context) error {
	if _, err := l.eth.BlockNumber(ctx); err != nil {
		return l.classify(ctx, err, "rpc endpoint unreachable")
	}
	return nil
}

func (l *Logger) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := l.contractABI.Pack(method, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, backendName, err, "pack "+method)
	}
	raw, err := l.eth.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
	if err != nil {
		return nil, l.classify(ctx, err, method+" call failed")
	}
	out, err := l.contractABI.Unpack(method, raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteRejected, backendName, err, "decode "+method+" result")
	}
	return out, nil
}

// revertReason replays the failed call at its block to recover the revert
// string. Best effort; returns a placeholder when the replay yields nothing.
func (l *Logger) revertReason(ctx context.Context, data []byte, block *big.Int) string {
	_, err := l.eth.CallContract(ctx, ethereum.CallMsg{
		From: l.from,
		To:   &l.contract,
		Data: data,
	}, block)
	if err == nil {
		return "no reason recovered"
	}
	return err.Error()
}

// classify maps an RPC failure to the taxonomy by message inspection. The
// JSON-RPC layer flattens contract-level failures into error strings, so
// substring checks are the only portable signal.
func (l *Logger) classify(ctx context.Context, err error, reason string) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, backendName, err, reason)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return apperr.Wrap(apperr.KindInsufficientFunds, backendName, err, "signer cannot pay gas")
	case strings.Contains(msg, "execution reverted"):
		return apperr.Wrap(apperr.KindReverted, backendName, err, reason)
	default:
		return apperr.Wrap(apperr.KindRemoteUnavailable, backendName, err, reason)
	}
}

// parseFingerprint decodes a 0x-prefixed 64-digit hex string into bytes32.
func parseFingerprint(fingerprint string) ([32]byte, error) {
	var hash [32]byte
	hexStr := strings.TrimPrefix(fingerprint, "0x")
	decoded, err := hex.DecodeString(hexStr)
	if err != nil || len(decoded) != 32 {
		return hash, apperr.Newf(apperr.KindBadRequest,
			"fingerprint must be 32 hex bytes, got %q", fingerprint)
	}
	copy(hash[:], decoded)
	return hash, nil
}

// truncateBytes enforces a byte bound without splitting a multibyte rune,
// marking the cut with an ellipsis.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
