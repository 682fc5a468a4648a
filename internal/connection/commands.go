package connection

import (
	"context"
	"encoding/json"
	"fmt"
)

// Backend command names.
const (
	CmdGetServerInfo   = "GET_SERVER_INFO"
	CmdGetBlockHash    = "GET_BLOCK_HASH"
	CmdGetAccountInfo  = "GET_ACCOUNT_INFO"
	CmdGetAccountUtxo  = "GET_ACCOUNT_UTXO"
	CmdGetTransaction  = "GET_TRANSACTION"
	CmdEstimateFee     = "ESTIMATE_FEE"
	CmdPushTransaction = "PUSH_TRANSACTION"
)

// subscribeCommand returns the subscribe and unsubscribe commands for a kind.
func subscribeCommand(kind SubscriptionKind) (subscribe, unsubscribe string) {
	switch kind {
	case KindNotification:
		return "SUBSCRIBE_NOTIFICATIONS", "UNSUBSCRIBE_NOTIFICATIONS"
	case KindBlock:
		return "SUBSCRIBE_BLOCK", "UNSUBSCRIBE_BLOCK"
	case KindFiatRates:
		return "SUBSCRIBE_FIAT_RATES", "UNSUBSCRIBE_FIAT_RATES"
	}
	return "", ""
}

// ServerInfo is the GET_SERVER_INFO payload.
type ServerInfo struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	Shortcut    string `json:"shortcut"`
	Testnet     bool   `json:"testnet"`
	Version     string `json:"version"`
	Decimals    int    `json:"decimals"`
	BlockHeight int64  `json:"blockHeight"`
	BlockHash   string `json:"blockHash"`
}

// BlockHash is the GET_BLOCK_HASH payload.
type BlockHash struct {
	Hash string `json:"hash"`
}

// BlockNotification is the payload of a block push frame.
type BlockNotification struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// AddressNotification is the payload of a notification push frame.
type AddressNotification struct {
	Address string          `json:"address"`
	Tx      json.RawMessage `json:"tx"`
}

// FiatRatesNotification is the payload of a fiatRates push frame.
type FiatRatesNotification struct {
	Rates map[string]float64 `json:"rates"`
}

// Sender issues commands over a connection.
type Sender interface {
	Send(ctx context.Context, command string, params any) (json.RawMessage, error)
}

// Call sends a command and decodes the reply payload into T.
func Call[T any](ctx context.Context, s Sender, command string, params any) (T, error) {
	var out T
	data, err := s.Send(ctx, command, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s reply: %w", command, err)
	}
	return out, nil
}

// GetServerInfo fetches backend information.
func GetServerInfo(ctx context.Context, s Sender) (ServerInfo, error) {
	return Call[ServerInfo](ctx, s, CmdGetServerInfo, nil)
}

// GetBlockHash fetches the hash of the block at height.
func GetBlockHash(ctx context.Context, s Sender, height int64) (BlockHash, error) {
	return Call[BlockHash](ctx, s, CmdGetBlockHash, map[string]int64{"height": height})
}
