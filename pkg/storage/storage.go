// Package storage keeps failed deposit swaps in a JSON ledger for retry across restarts.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/metrics"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
)

const (
	// MaxRetries is the retry ceiling of a failed deposit
	MaxRetries = 3

	// RetryDelay applies to failures other than gas estimation
	RetryDelay = 2 * time.Minute

	// GasErrorRetryDelay applies to gas estimation failures
	GasErrorRetryDelay = 30 * time.Second

	// DefaultMaxAge is the age after which CleanupOldFailedDeposits drops a record
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Stats summarizes the ledger
type Stats struct {
	Total              int `json:"total"`
	Retryable          int `json:"retryable"`
	MaxRetriesExceeded int `json:"maxRetriesExceeded"`
}

// DepositStorage is a file-backed map of deposit identity to FailedDeposit.
// Every mutation reads the whole file, applies the change and replaces the file.
type DepositStorage struct {
	path   string
	mu     sync.Mutex
	now    func() time.Time
	logger logger.Logger
}

// NewDepositStorage creates a ledger at path, creating its directory when needed
func NewDepositStorage(path string, log logger.Logger) (*DepositStorage, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger path %s: %v", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %v", err)
	}

	s := &DepositStorage{
		path:   abs,
		now:    time.Now,
		logger: log,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	s.updateMetrics(records)
	return s, nil
}

// SetClock replaces the time source used for failure and retry timestamps
func (s *DepositStorage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Path returns the absolute ledger path
func (s *DepositStorage) Path() string {
	return s.path
}

// IsGasError reports whether an error message describes a gas estimation failure
func IsGasError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "gas") || strings.Contains(lower, "unpredictable")
}

// RetryDelayFor returns the back-off that applies to an error message
func RetryDelayFor(msg string) time.Duration {
	if IsGasError(msg) {
		return GasErrorRetryDelay
	}
	return RetryDelay
}

// timestamp returns the current time at the ledger's millisecond precision
func (s *DepositStorage) timestamp() time.Time {
	return time.UnixMilli(s.now().UnixMilli())
}

// SaveFailedDeposit records a failed execution. A record that already exists keeps
// its failure time and retry bookkeeping and only takes the new error message.
func (s *DepositStorage) SaveFailedDeposit(deposit models.DepositEvent, errMsg string) error {
	return s.save(deposit, errMsg, 0)
}

// SavePermanentFailure records a failure that must not be retried with the same input
func (s *DepositStorage) SavePermanentFailure(deposit models.DepositEvent, errMsg string) error {
	return s.save(deposit, errMsg, MaxRetries)
}

func (s *DepositStorage) save(deposit models.DepositEvent, errMsg string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	id := deposit.ID()
	if existing, ok := records[id]; ok {
		existing.Error = errMsg
		if retryCount > existing.RetryCount {
			existing.RetryCount = retryCount
		}
		records[id] = existing
	} else {
		records[id] = models.FailedDeposit{
			DepositEvent: deposit,
			FailedAt:     s.timestamp(),
			Error:        errMsg,
			RetryCount:   retryCount,
		}
	}

	if err := s.write(records); err != nil {
		return err
	}

	s.logger.Info("Saved failed deposit user=%s token=%s amount=%s retries=%d: %s",
		deposit.User.Hex(), deposit.Token.Hex(), deposit.Amount, records[id].RetryCount, errMsg)
	return nil
}

// GetRetryableDeposits returns the records below the retry ceiling whose back-off has elapsed,
// oldest failure first
func (s *DepositStorage) GetRetryableDeposits() ([]models.FailedDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out []models.FailedDeposit
	for _, fd := range records {
		if fd.RetryCount >= MaxRetries {
			continue
		}
		last := fd.FailedAt
		if fd.LastRetryAt != nil {
			last = *fd.LastRetryAt
		}
		if now.Sub(last) >= RetryDelayFor(fd.Error) {
			out = append(out, fd)
		}
	}
	sortByFailure(out)
	return out, nil
}

// MarkRetryAttempt increments the retry count of a record and stamps the attempt time
func (s *DepositStorage) MarkRetryAttempt(deposit models.DepositEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	id := deposit.ID()
	fd, ok := records[id]
	if !ok {
		return nil
	}
	fd.RetryCount++
	at := s.timestamp()
	fd.LastRetryAt = &at
	records[id] = fd
	return s.write(records)
}

// RemoveSuccessfulDeposit deletes the record of a deposit that has been swapped
func (s *DepositStorage) RemoveSuccessfulDeposit(deposit models.DepositEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return false, err
	}

	id := deposit.ID()
	if _, ok := records[id]; !ok {
		return false, nil
	}
	delete(records, id)
	if err := s.write(records); err != nil {
		return false, err
	}

	s.logger.Info("Removed successful deposit from failed list user=%s token=%s", deposit.User.Hex(), deposit.Token.Hex())
	return true, nil
}

// GetFailedDepositsStats counts records by retry state
func (s *DepositStorage) GetFailedDepositsStats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return Stats{}, err
	}
	return statsOf(records), nil
}

// CleanupOldFailedDeposits drops records whose first failure is older than maxAge
func (s *DepositStorage) CleanupOldFailedDeposits(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return 0, err
	}

	now := s.now()
	cleaned := 0
	for id, fd := range records {
		if now.Sub(fd.FailedAt) > maxAge {
			delete(records, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		if err := s.write(records); err != nil {
			return 0, err
		}
		s.logger.Info("Cleaned up %d old failed deposits", cleaned)
	}
	return cleaned, nil
}

// All returns every record, oldest failure first
func (s *DepositStorage) All() ([]models.FailedDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]models.FailedDeposit, 0, len(records))
	for _, fd := range records {
		out = append(out, fd)
	}
	sortByFailure(out)
	return out, nil
}

// load reads the ledger. A missing file is an empty ledger. An unreadable one is
// moved aside so the watcher keeps running and the operator can inspect it.
func (s *DepositStorage) load() (map[string]models.FailedDeposit, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]models.FailedDeposit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %v", s.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]models.FailedDeposit{}, nil
	}

	records := map[string]models.FailedDeposit{}
	if err := json.Unmarshal(data, &records); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			return nil, fmt.Errorf("failed to parse ledger %s: %v", s.path, err)
		}
		s.logger.Error("Ledger %s could not be parsed (%v), moved to %s", s.path, err, aside)
		return map[string]models.FailedDeposit{}, nil
	}
	return records, nil
}

// write replaces the ledger atomically through a temporary file in the same directory
func (s *DepositStorage) write(records map[string]models.FailedDeposit) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %v", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary ledger: %v", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write ledger: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync ledger: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close ledger: %v", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace ledger: %v", err)
	}

	s.updateMetrics(records)
	return nil
}

func (s *DepositStorage) updateMetrics(records map[string]models.FailedDeposit) {
	st := statsOf(records)
	metrics.FailedDeposits.WithLabelValues("retryable").Set(float64(st.Retryable))
	metrics.FailedDeposits.WithLabelValues("exhausted").Set(float64(st.MaxRetriesExceeded))
}

func statsOf(records map[string]models.FailedDeposit) Stats {
	st := Stats{Total: len(records)}
	for _, fd := range records {
		if fd.RetryCount >= MaxRetries {
			st.MaxRetriesExceeded++
		} else {
			st.Retryable++
		}
	}
	return st
}

func sortByFailure(out []models.FailedDeposit) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
}
