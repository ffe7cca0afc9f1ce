package adb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrInstanceNotFound is returned when ldconsole does not know the instance
	ErrInstanceNotFound = errors.New("emulator instance not found")
	// ErrInvalidSerial is returned for serials that could be abused for shell injection
	ErrInvalidSerial = errors.New("invalid device serial")
)

// serialPattern accepts USB serials ("emulator-5554"), ip:port and mDNS names
var serialPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

// ValidateSerial checks that a serial is safe to hand to adb -s
func ValidateSerial(serial string) error {
	if serial == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSerial)
	}
	if len(serial) > 256 {
		return fmt.Errorf("%w: too long (max 256 characters)", ErrInvalidSerial)
	}
	if !serialPattern.MatchString(serial) {
		return fmt.Errorf("%w: contains illegal characters", ErrInvalidSerial)
	}
	for _, p := range []string{";", "&&", "||", "|", "`", "$", "(", ")", "{", "}", "<", ">", "!", "'", "\"", "\\"} {
		if strings.Contains(serial, p) {
			return fmt.Errorf("%w: contains dangerous character '%s'", ErrInvalidSerial, p)
		}
	}
	return nil
}

// Config holds the process paths and pacing of the client
type Config struct {
	AdbPath           string
	LDConsolePath     string
	CommandsPerSecond float64 // 0 disables pacing
	Burst             int
}

// runFunc executes a binary and returns its combined output
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Client drives adb and ldconsole as child processes
type Client struct {
	adbPath       string
	ldconsolePath string
	log           zerolog.Logger
	run           runFunc

	limit    rate.Limit
	burst    int
	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	pollInterval time.Duration
}

// NewClient creates a client. Empty paths fall back to "adb" and "ldconsole" on PATH.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	c := &Client{
		adbPath:       cfg.AdbPath,
		ldconsolePath: cfg.LDConsolePath,
		log:           logger.With().Str("module", "adb").Logger(),
		run:           runClean,
		limiters:      make(map[string]*rate.Limiter),
		pollInterval:  time.Second,
	}
	if c.adbPath == "" {
		c.adbPath = "adb"
	}
	if c.ldconsolePath == "" {
		c.ldconsolePath = "ldconsole"
	}
	if cfg.CommandsPerSecond > 0 {
		c.limit = rate.Limit(cfg.CommandsPerSecond)
		c.burst = cfg.Burst
		if c.burst < 1 {
			c.burst = 1
		}
	} else {
		c.limit = rate.Inf
	}
	return c
}

// runClean runs a command with proxy variables stripped from its environment,
// adb's daemon connection breaks when it inherits an HTTP proxy.
func runClean(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	env := os.Environ()
	clean := make([]string, 0, len(env))
	proxyVars := []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}
	for _, e := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy {
			clean = append(clean, e)
		}
	}
	cmd.Env = clean
	return cmd.CombinedOutput()
}

func (c *Client) limiter(serial string) *rate.Limiter {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	l, ok := c.limiters[serial]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[serial] = l
	}
	return l
}

func (c *Client) adb(ctx context.Context, args ...string) (string, error) {
	out, err := c.run(ctx, c.adbPath, args...)
	res := string(out)
	if err != nil {
		return res, fmt.Errorf("command failed: %w, output: %s", err, strings.TrimSpace(res))
	}
	return res, nil
}

// RunAdbCommand executes an arbitrary adb command against serial.
// "shell X" keeps X as a single argument so device-side quoting survives.
func (c *Client) RunAdbCommand(ctx context.Context, serial, fullCmd string) (string, error) {
	if err := ValidateSerial(serial); err != nil {
		return "", err
	}
	fullCmd = strings.TrimSpace(fullCmd)
	if fullCmd == "" {
		return "", nil
	}
	if err := c.limiter(serial).Wait(ctx); err != nil {
		return "", err
	}

	args := []string{"-s", serial}
	if strings.HasPrefix(fullCmd, "shell ") {
		args = append(args, "shell", strings.TrimPrefix(fullCmd, "shell "))
	} else {
		args = append(args, strings.Fields(fullCmd)...)
	}

	res, err := c.adb(ctx, args...)
	if err != nil {
		c.log.Debug().Str("serial", serial).Str("cmd", fullCmd).Err(err).Msg("adb command failed")
		return res, err
	}
	return strings.TrimSpace(res), nil
}

// ExecuteAdbCommand runs shellCmd in the device shell and returns trimmed stdout
func (c *Client) ExecuteAdbCommand(ctx context.Context, serial, shellCmd string) (string, error) {
	return c.RunAdbCommand(ctx, serial, "shell "+shellCmd)
}

// ConnectADB runs "adb connect 127.0.0.1:<port>"
func (c *Client) ConnectADB(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	out, err := c.adb(ctx, "connect", addr)
	if err != nil {
		return err
	}
	lower := strings.ToLower(out)
	if strings.Contains(lower, "unable") || strings.Contains(lower, "failed") || strings.Contains(lower, "cannot") {
		return fmt.Errorf("connect %s: %s", addr, strings.TrimSpace(out))
	}
	c.log.Debug().Str("addr", addr).Str("output", strings.TrimSpace(out)).Msg("adb connect")
	return nil
}

// DeviceEntry is one line of "adb devices"
type DeviceEntry struct {
	Serial string
	State  string
}

// ParseDevices parses the output of "adb devices"
func ParseDevices(output string) []DeviceEntry {
	var entries []DeviceEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices attached") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		entries = append(entries, DeviceEntry{Serial: parts[0], State: parts[1]})
	}
	return entries
}

// ResolveAdbSerial maps a port to the serial adb actually lists for it.
// 127.0.0.1:<port> wins over emulator-<port-1>; when neither is listed the
// ip:port form is returned so later commands report the real failure.
func (c *Client) ResolveAdbSerial(ctx context.Context, port int) (string, error) {
	tcpSerial := fmt.Sprintf("127.0.0.1:%d", port)
	emuSerial := fmt.Sprintf("emulator-%d", port-1)

	out, err := c.adb(ctx, "devices")
	if err != nil {
		return "", fmt.Errorf("list devices: %w", err)
	}

	var emuSeen bool
	for _, d := range ParseDevices(out) {
		if d.State != "device" {
			continue
		}
		switch d.Serial {
		case tcpSerial:
			return tcpSerial, nil
		case emuSerial:
			emuSeen = true
		}
	}
	if emuSeen {
		return emuSerial, nil
	}

	c.log.Warn().Int("port", port).Msg("no listed device for port, falling back to tcp serial")
	return tcpSerial, nil
}

// WaitForDeviceReady blocks until the device reports sys.boot_completed=1 or timeout elapses
func (c *Client) WaitForDeviceReady(ctx context.Context, serial string, timeout time.Duration) error {
	if err := ValidateSerial(serial); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := c.adb(ctx, "-s", serial, "wait-for-device"); err != nil {
		return fmt.Errorf("wait-for-device %s: %w", serial, err)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		out, err := c.adb(ctx, "-s", serial, "shell", "getprop sys.boot_completed")
		if err == nil && strings.TrimSpace(out) == "1" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("device %s not ready after %s: %w", serial, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetAdbPortForInstance looks the instance up in "ldconsole list2" by title or index
func (c *Client) GetAdbPortForInstance(ctx context.Context, name string) (int, error) {
	out, err := c.run(ctx, c.ldconsolePath, "list2")
	if err != nil {
		return 0, fmt.Errorf("ldconsole list2: %w, output: %s", err, strings.TrimSpace(string(out)))
	}
	instances := ParseInstances(string(out))
	inst, ok := FindInstance(instances, name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInstanceNotFound, name)
	}
	return inst.AdbPort(), nil
}

// Instance is one row of "ldconsole list2"
type Instance struct {
	Index   int
	Title   string
	Running bool
	PID     int
}

// AdbPort is the TCP port LDPlayer assigns to the instance's adbd
func (i Instance) AdbPort() int {
	return 5555 + 2*i.Index
}

// ParseInstances parses "index,title,top_hwnd,bind_hwnd,android_started,pid,vbox_pid,..." rows
func ParseInstances(output string) []Instance {
	var list []Instance
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		inst := Instance{Index: idx, Title: strings.TrimSpace(fields[1]), PID: -1}
		if len(fields) > 4 {
			inst.Running = strings.TrimSpace(fields[4]) == "1"
		}
		if len(fields) > 5 {
			if pid, err := strconv.Atoi(strings.TrimSpace(fields[5])); err == nil {
				inst.PID = pid
			}
		}
		list = append(list, inst)
	}
	return list
}

// FindInstance matches by exact title first, then case-insensitive title, then numeric index
func FindInstance(list []Instance, name string) (Instance, bool) {
	name = strings.TrimSpace(name)
	for _, inst := range list {
		if inst.Title == name {
			return inst, true
		}
	}
	for _, inst := range list {
		if strings.EqualFold(inst.Title, name) {
			return inst, true
		}
	}
	if idx, err := strconv.Atoi(name); err == nil {
		for _, inst := range list {
			if inst.Index == idx {
				return inst, true
			}
		}
	}
	return Instance{}, false
}
