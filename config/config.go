// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Call Validate before starting rounds, and LoadCatalog to read the effect list.
package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chzzk-vote/chzzkapi"
	"github.com/onnwee/chzzk-vote/poll"
)

// ErrNoCandidates is returned when the catalog file yields no candidates.
var ErrNoCandidates = errors.New("config: candidate catalog is empty")

type Config struct {
	// CHZZK
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string
	AccessToken  string
	RefreshToken string
	ChannelID    string
	APIBase      string
	SocketIOEIO  int

	// Vote
	CandidatesFile     string
	WeightsFile        string
	CandidatesPerRound int
	VoteDuration       time.Duration
	ResultDuration     time.Duration
	Cooldown           time.Duration
	Runtime            time.Duration
	CommandPrefix      string
	ResultDir          string

	// Database (optional)
	DBDsn         string
	EncryptionKey string

	HTTP HTTP
}

// Load reads environment variables and applies defaults. It fails only on
// values that are present but unparseable; use Validate for range checks.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ClientID = os.Getenv("CHZZK_CLIENT_ID")
	cfg.ClientSecret = os.Getenv("CHZZK_CLIENT_SECRET")
	cfg.RedirectURI = os.Getenv("CHZZK_REDIRECT_URI")
	cfg.Scopes = envOr("CHZZK_SCOPES", chzzkapi.DefaultScopes)
	cfg.AccessToken = os.Getenv("CHZZK_ACCESS_TOKEN")
	cfg.RefreshToken = os.Getenv("CHZZK_REFRESH_TOKEN")
	cfg.ChannelID = os.Getenv("CHZZK_CHANNEL_ID")
	cfg.APIBase = envOr("CHZZK_API_BASE", chzzkapi.DefaultBaseURL)

	var err error
	if cfg.SocketIOEIO, err = envInt("SOCKETIO_EIO", 3); err != nil {
		return nil, err
	}

	cfg.CandidatesFile = envOr("VOTE_CANDIDATES_FILE", "candidates.txt")
	cfg.WeightsFile = os.Getenv("VOTE_WEIGHTS_FILE")
	if cfg.CandidatesPerRound, err = envInt("VOTE_CANDIDATES_PER_ROUND", 3); err != nil {
		return nil, err
	}
	if cfg.VoteDuration, err = envDuration("VOTE_DURATION", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ResultDuration, err = envDuration("VOTE_RESULT_DURATION", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.Cooldown, err = envDuration("VOTE_COOLDOWN", 150*time.Second); err != nil {
		return nil, err
	}
	if cfg.Runtime, err = envDuration("VOTE_RUNTIME", 3*time.Hour); err != nil {
		return nil, err
	}
	cfg.CommandPrefix = envOr("VOTE_COMMAND_PREFIX", poll.DefaultCommandPrefix)
	cfg.ResultDir = envOr("VOTE_RESULT_DIR", ".")

	// DB stays disabled unless a DSN is given; results still go to files.
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	if cfg.HTTP, err = loadHTTP(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values a vote run cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Runtime <= 0 {
		errs = append(errs, fmt.Errorf("VOTE_RUNTIME must be > 0 (got %s)", c.Runtime))
	}
	if c.VoteDuration <= 0 {
		errs = append(errs, fmt.Errorf("VOTE_DURATION must be > 0 (got %s)", c.VoteDuration))
	}
	if c.ResultDuration < 0 || c.Cooldown < 0 {
		errs = append(errs, errors.New("VOTE_RESULT_DURATION and VOTE_COOLDOWN must not be negative"))
	}
	if c.CandidatesPerRound <= 0 {
		errs = append(errs, fmt.Errorf("VOTE_CANDIDATES_PER_ROUND must be > 0 (got %d)", c.CandidatesPerRound))
	}
	if c.SocketIOEIO != 3 && c.SocketIOEIO != 4 {
		errs = append(errs, fmt.Errorf("SOCKETIO_EIO must be 3 or 4 (got %d)", c.SocketIOEIO))
	}
	if strings.TrimSpace(c.CommandPrefix) == "" {
		errs = append(errs, errors.New("VOTE_COMMAND_PREFIX must not be empty"))
	}
	if err := c.HTTP.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateCatalog checks that a round can be filled from catalog.
func (c *Config) ValidateCatalog(catalog []poll.Candidate) error {
	if len(catalog) < c.CandidatesPerRound {
		return fmt.Errorf("need at least %d candidates, catalog has %d", c.CandidatesPerRound, len(catalog))
	}
	return nil
}

// ValidateOAuth checks the fields needed for the authorization-code flow.
func (c *Config) ValidateOAuth() error {
	if c.ClientID == "" || c.ClientSecret == "" || c.RedirectURI == "" {
		return errors.New("missing chzzk oauth env: require CHZZK_CLIENT_ID, CHZZK_CLIENT_SECRET, CHZZK_REDIRECT_URI")
	}
	return nil
}

// LoadCatalog reads candidate names (one per line, blank lines and #
// comments skipped) and an optional JSON weight map. Names missing from the
// map get poll.DefaultWeight. A missing weights file is not an error.
func LoadCatalog(namesPath, weightsPath string) ([]poll.Candidate, error) {
	f, err := os.Open(namesPath)
	if err != nil {
		return nil, fmt.Errorf("open candidates: %w", err)
	}
	defer func() { _ = f.Close() }()

	var names []string
	seen := map[string]bool{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		name := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("%s:%d: duplicate candidate %q", namesPath, line, name)
		}
		seen[name] = true
		names = append(names, name)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", namesPath, ErrNoCandidates)
	}

	weights, err := loadWeights(weightsPath)
	if err != nil {
		return nil, err
	}
	for name := range weights {
		if !seen[name] {
			slog.Warn("weight given for unknown candidate", slog.String("name", name))
		}
	}

	catalog := make([]poll.Candidate, len(names))
	for i, name := range names {
		w, ok := weights[name]
		if !ok {
			w = poll.DefaultWeight
		}
		catalog[i] = poll.Candidate{Name: name, Weight: w}
	}
	return catalog, nil
}

func loadWeights(path string) (map[string]int, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("weights file not found; using default weight", slog.String("path", path), slog.Int("weight", poll.DefaultWeight))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	var weights map[string]int
	if err := json.Unmarshal(b, &weights); err != nil {
		return nil, fmt.Errorf("parse weights %s: %w", path, err)
	}
	return weights, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// envDuration accepts Go durations ("90s", "3h") or plain seconds ("150").
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (duration or seconds): %w", key, err)
	}
	return d, nil
}
