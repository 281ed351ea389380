// Package webhook normalizes signed Alchemy address activity into deposits and plan events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/contracts"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/metrics"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body
const SignatureHeader = "X-Alchemy-Signature"

const categoryToken = "token"

var errNoAmount = errors.New("activity carries no amount")

// PlanLogHandler receives planner event logs relayed by the webhook
type PlanLogHandler func(ctx context.Context, log types.Log)

// Service verifies and decodes address activity webhooks
type Service struct {
	network config.Network
	secret  string
	logger  logger.Logger
}

// NewService creates a webhook service; an empty secret disables verification
func NewService(network config.Network, secret string, log logger.Logger) *Service {
	return &Service{network: network, secret: secret, logger: log}
}

// VerifySignature checks the body HMAC in constant time
func (s *Service) VerifySignature(payload []byte, signature string) bool {
	if s.secret == "" {
		s.logger.Warn("Webhook secret not configured, skipping signature verification")
		return true
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// ProcessAddressActivity emits a deposit for every stable transfer into a planner
// and relays planner event logs. It returns the number of deposits emitted.
func (s *Service) ProcessAddressActivity(ctx context.Context, payload AddressActivityWebhook, onDeposit models.DepositHandler, onPlanLog PlanLogHandler) int {
	s.logger.Info("Processing address activity webhook %s (%d activities)", payload.WebhookID, len(payload.Event.Activity))

	deposits := 0
	for i, activity := range payload.Event.Activity {
		if activity.Log != nil && onPlanLog != nil {
			if l, ok := s.planLog(*activity.Log); ok {
				onPlanLog(ctx, l)
			}
		}

		if activity.Category != categoryToken {
			continue
		}
		deposit, ok, err := s.toDeposit(activity)
		if err != nil {
			s.logger.Error("Skipping activity %d of webhook %s: %v", i, payload.WebhookID, err)
			continue
		}
		if !ok {
			continue
		}

		t, _ := s.network.TokenByAddress(deposit.Token)
		s.logger.Notice("%s deposit detected via webhook: %s from %s (tx %s, block %d)",
			t.Symbol, deposit.Amount.String(), deposit.User.Hex(), deposit.TransactionHash.Hex(), deposit.BlockNumber)
		metrics.DepositsDetected.WithLabelValues(models.SourceWebhook).Inc()
		onDeposit(ctx, models.SourceWebhook, deposit)
		deposits++
	}
	return deposits
}

func (s *Service) toDeposit(a Activity) (models.DepositEvent, bool, error) {
	if !common.IsHexAddress(a.ToAddress) || !common.IsHexAddress(a.RawContract.Address) {
		return models.DepositEvent{}, false, nil
	}
	to := common.HexToAddress(a.ToAddress)
	if _, ok := s.network.PlannerTypeFor(to); !ok {
		return models.DepositEvent{}, false, nil
	}
	token, ok := s.network.TokenByAddress(common.HexToAddress(a.RawContract.Address))
	if !ok || !s.network.IsStable(token.Address) {
		return models.DepositEvent{}, false, nil
	}

	if !common.IsHexAddress(a.FromAddress) {
		return models.DepositEvent{}, false, fmt.Errorf("invalid sender %q", a.FromAddress)
	}
	amount, err := activityAmount(a, token.Decimals)
	if err != nil {
		return models.DepositEvent{}, false, err
	}
	block, err := strconv.ParseUint(strings.TrimPrefix(a.BlockNum, "0x"), 16, 64)
	if err != nil {
		return models.DepositEvent{}, false, fmt.Errorf("invalid block number %q: %w", a.BlockNum, err)
	}

	return models.DepositEvent{
		User:            common.HexToAddress(a.FromAddress),
		Token:           token.Address,
		Amount:          amount,
		BlockNumber:     block,
		TransactionHash: common.HexToHash(a.Hash),
		PlannerContract: to,
	}, true, nil
}

// activityAmount prefers the raw on-chain value over the rounded human value
func activityAmount(a Activity, decimals uint8) (*big.Int, error) {
	if raw := a.RawContract.RawValue; raw != "" {
		v, ok := new(big.Int).SetString(strings.TrimPrefix(raw, "0x"), 16)
		if !ok {
			return nil, fmt.Errorf("invalid raw value %q", raw)
		}
		return v, nil
	}
	if a.Value == nil {
		return nil, errNoAmount
	}
	return a.Value.Shift(int32(decimals)).Floor().BigInt(), nil
}

func (s *Service) planLog(al ActivityLog) (types.Log, bool) {
	l := al.ToLog()
	if len(l.Topics) == 0 || l.Removed {
		return types.Log{}, false
	}
	if _, ok := s.network.PlannerTypeFor(l.Address); !ok {
		return types.Log{}, false
	}
	switch l.Topics[0] {
	case contracts.PlanCreatedTopic, contracts.PlanExecutedTopic, contracts.PlanCancelledTopic:
		return l, true
	}
	return types.Log{}, false
}

// Handler serves the webhook route
func (s *Service) Handler(onDeposit models.DepositHandler, onPlanLog PlanLogHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.logger.Error("Failed to read webhook body: %v", err)
			metrics.WebhookRequests.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}

		if !s.VerifySignature(body, c.GetHeader(SignatureHeader)) {
			s.logger.Warn("Invalid webhook signature from %s", c.ClientIP())
			metrics.WebhookRequests.WithLabelValues("unauthorized").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		var payload AddressActivityWebhook
		if err := json.Unmarshal(body, &payload); err != nil {
			s.logger.Error("Failed to parse webhook payload: %v", err)
			metrics.WebhookRequests.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		n := s.ProcessAddressActivity(c.Request.Context(), payload, onDeposit, onPlanLog)
		metrics.WebhookRequests.WithLabelValues("ok").Inc()
		c.JSON(http.StatusOK, gin.H{"success": true, "deposits": n})
	}
}
