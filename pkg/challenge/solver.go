package challenge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL       = "https://2captcha.com"
	DefaultPricePerSolve = 0.00145
	DefaultPollInterval  = 5 * time.Second
	DefaultSolveTimeout  = 180 * time.Second
)

// ErrNoAPIKey is returned when solving is attempted without credentials
var ErrNoAPIKey = errors.New("captcha API key not configured")

// SolverConfig configures the captcha service client
type SolverConfig struct {
	APIKey        string
	BaseURL       string
	PricePerSolve float64
	PollInterval  time.Duration
	Timeout       time.Duration
}

// TwoCaptcha speaks the in.php/res.php JSON protocol
type TwoCaptcha struct {
	cfg    SolverConfig
	client *http.Client
	log    zerolog.Logger
}

// NewTwoCaptcha creates a solver client, filling zero config fields with defaults
func NewTwoCaptcha(cfg SolverConfig, logger zerolog.Logger) *TwoCaptcha {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PricePerSolve <= 0 {
		cfg.PricePerSolve = DefaultPricePerSolve
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSolveTimeout
	}
	return &TwoCaptcha{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logger.With().Str("module", "captcha").Logger(),
	}
}

// Price is the configured cost of one solve
func (s *TwoCaptcha) Price() float64 { return s.cfg.PricePerSolve }

func (s *TwoCaptcha) get(ctx context.Context, endpoint string, params url.Values) (gjson.Result, error) {
	params.Set("key", s.cfg.APIKey)
	params.Set("json", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return gjson.Result{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("captcha api %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("captcha api %s: read body: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("captcha api %s: HTTP %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("captcha api %s: invalid JSON response: %s", endpoint, strings.TrimSpace(string(body)))
	}
	return gjson.ParseBytes(body), nil
}

// SolveTurnstile submits the task and polls until a token is issued
func (s *TwoCaptcha) SolveTurnstile(ctx context.Context, sitekey, pageURL string) (string, error) {
	if s.cfg.APIKey == "" {
		return "", ErrNoAPIKey
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	submit, err := s.get(ctx, "in.php", url.Values{
		"method":  {"turnstile"},
		"sitekey": {sitekey},
		"pageurl": {pageURL},
	})
	if err != nil {
		return "", err
	}
	if submit.Get("status").Int() != 1 {
		return "", fmt.Errorf("captcha submit rejected: %s", submit.Get("request").String())
	}
	id := submit.Get("request").String()
	s.log.Debug().Str("captchaId", id).Msg("turnstile task submitted")

	limiter := rate.NewLimiter(rate.Every(s.cfg.PollInterval), 1)
	// the service needs a head start before the first poll is meaningful
	limiter.Reserve()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("captcha %s not solved in time: %w", id, err)
		}
		res, err := s.get(ctx, "res.php", url.Values{"action": {"get"}, "id": {id}})
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("captcha %s not solved in time: %w", id, ctx.Err())
			}
			s.log.Warn().Err(err).Str("captchaId", id).Msg("poll failed, retrying")
			continue
		}
		request := res.Get("request").String()
		if res.Get("status").Int() == 1 {
			return request, nil
		}
		if request != "CAPCHA_NOT_READY" && request != "CAPTCHA_NOT_READY" {
			return "", fmt.Errorf("captcha %s failed: %s", id, request)
		}
	}
}

// Balance returns the account balance
func (s *TwoCaptcha) Balance(ctx context.Context) (float64, error) {
	if s.cfg.APIKey == "" {
		return 0, ErrNoAPIKey
	}
	res, err := s.get(ctx, "res.php", url.Values{"action": {"getbalance"}})
	if err != nil {
		return 0, err
	}
	if res.Get("status").Int() != 1 {
		return 0, fmt.Errorf("balance query rejected: %s", res.Get("request").String())
	}
	v, err := strconv.ParseFloat(res.Get("request").String(), 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected balance %q: %w", res.Get("request").String(), err)
	}
	return v, nil
}
