// Package config loads, validates, and persists the worker's on-disk
// configuration file: an INI file with a [login] section (credentials), a
// [parameters] section (everything CLI flags can override), and a private
// [private] section holding the persistent hw_seed.
//
// Validation replaces missing or malformed values with defaults rather than
// failing startup outright; a worker with a slightly stale config file
// should still come up, logging what it corrected.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
	"gopkg.in/ini.v1"
)

// FileName is the default config file name.
const FileName = "fishtest.cfg"

// Defaults for the [parameters] section, applied whenever a value is
// missing or fails validation.
const (
	DefaultProtocol        = "https"
	DefaultHost            = "tests.stockfishchess.org"
	DefaultPort            = 443
	DefaultConcurrencyExpr = "max(1,min(3,MAX-1))"
	DefaultMaxMemoryExpr   = "MAX/2"
	DefaultUUIDPrefix      = "_hw"
	DefaultMinThreads      = 1
	DefaultFleet           = false
)

// Config is the fully resolved, in-memory view of fishtest.cfg.
type Config struct {
	Username string
	Password string

	Protocol        string
	Host            string
	Port            int
	ConcurrencyExpr string
	MaxMemoryExpr   string
	UUIDPrefix      string
	MinThreads      int
	Fleet           bool
	GlobalCache     string
	Compiler        string

	HWSeed uint32
}

// Load reads path and applies Validate against availableCompilers. A
// missing or unparseable file produces an empty, all-defaults Config; a
// broken config is re-initialized, never a reason to refuse to start. The
// returned warnings describe any repairs Validate made, for the caller to
// log.
func Load(path string, availableCompilers []string) (*Config, []string, error) {
	var file *ini.File
	loaded, err := ini.LoadSources(ini.LoadOptions{AllowShadows: false}, path)
	if err != nil {
		file = ini.Empty()
	} else {
		file = loaded
	}

	cfg := fromFile(file)
	warnings := cfg.Validate(availableCompilers)
	return cfg, warnings, nil
}

func fromFile(f *ini.File) *Config {
	login := f.Section("login")
	params := f.Section("parameters")
	private := f.Section("private")

	return &Config{
		Username:        login.Key("username").String(),
		Password:        login.Key("password").String(),
		Protocol:        params.Key("protocol").MustString(DefaultProtocol),
		Host:            params.Key("host").MustString(DefaultHost),
		Port:            params.Key("port").MustInt(DefaultPort),
		ConcurrencyExpr: params.Key("concurrency").MustString(DefaultConcurrencyExpr),
		MaxMemoryExpr:   params.Key("max_memory").MustString(DefaultMaxMemoryExpr),
		UUIDPrefix:      params.Key("uuid_prefix").MustString(DefaultUUIDPrefix),
		MinThreads:      params.Key("min_threads").MustInt(DefaultMinThreads),
		Fleet:           params.Key("fleet").MustBool(DefaultFleet),
		GlobalCache:     params.Key("global_cache").String(),
		Compiler:        params.Key("compiler").String(),
		HWSeed:          uint32(private.Key("hw_seed").MustUint64(0)),
	}
}

// Validate repairs fields that fail their schema rules, returning a list of
// human-readable warnings describing each repair (for logging). It never
// returns an error; an invalid value is always replaceable by a default.
func (c *Config) Validate(availableCompilers []string) []string {
	var warnings []string
	warn := func(field, old, repaired string) {
		warnings = append(warnings, fmt.Sprintf("config: replacing invalid %s %q with %q", field, old, repaired))
	}

	if c.Protocol != "http" && c.Protocol != "https" {
		warn("protocol", c.Protocol, DefaultProtocol)
		c.Protocol = DefaultProtocol
	}
	if c.Port <= 0 || c.Port > 65535 {
		warn("port", strconv.Itoa(c.Port), strconv.Itoa(DefaultPort))
		c.Port = DefaultPort
	}
	c.Port = RewritePort(c.Protocol, c.Port)

	if c.MinThreads <= 0 {
		warn("min_threads", strconv.Itoa(c.MinThreads), strconv.Itoa(DefaultMinThreads))
		c.MinThreads = DefaultMinThreads
	}

	if repaired, ok := normalizeUUIDPrefix(c.UUIDPrefix); !ok {
		warn("uuid_prefix", c.UUIDPrefix, DefaultUUIDPrefix)
		c.UUIDPrefix = DefaultUUIDPrefix
	} else {
		c.UUIDPrefix = repaired
	}

	if len(availableCompilers) > 0 && !contains(availableCompilers, c.Compiler) {
		def := defaultCompiler(availableCompilers)
		warn("compiler", c.Compiler, def)
		c.Compiler = def
	}

	return warnings
}

// PromptCredentials interactively asks for a username on in/out and, if one
// is entered, reads a password via readPassword. An empty username (the
// user just hit enter) skips the password read entirely and returns empty
// credentials. readPassword is injected so this can be unit tested without
// a real terminal; production callers pass ReadHiddenPassword.
func PromptCredentials(in io.Reader, out io.Writer, readPassword func() (string, error)) (username, password string, err error) {
	fmt.Fprint(out, "\nUsername: ")
	line, rerr := bufio.NewReader(in).ReadString('\n')
	if rerr != nil && rerr != io.EOF {
		return "", "", fmt.Errorf("config: reading username: %w", rerr)
	}
	username = strings.TrimSpace(line)
	if username == "" {
		return "", "", nil
	}
	password, perr := readPassword()
	fmt.Fprintln(out)
	if perr != nil {
		return "", "", fmt.Errorf("config: reading password: %w", perr)
	}
	return username, password, nil
}

// ReadHiddenPassword reads a password from the controlling terminal without
// echoing it.
func ReadHiddenPassword() (string, error) {
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PromptCredentialsIfNeeded fills in Username/Password by prompting on the
// controlling terminal when either is still empty after config load and CLI
// overrides. It is a no-op when both are already set, or when stdin is not
// a TTY (e.g. running unattended under a supervisor).
func PromptCredentialsIfNeeded(c *Config) error {
	if c.Username != "" && c.Password != "" {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	username, password, err := PromptCredentials(os.Stdin, os.Stdout, ReadHiddenPassword)
	if err != nil {
		return err
	}
	c.Username, c.Password = username, password
	return nil
}

// RewritePort corrects a stale protocol/port pairing: http+443 means
// whoever wrote the config meant the plaintext default (80), and
// https+80 means they meant the TLS default (443). Every other pairing,
// including a deliberately nonstandard port, is left untouched.
func RewritePort(protocol string, port int) int {
	if protocol == "http" && port == 443 {
		return 80
	}
	if protocol == "https" && port == 80 {
		return 443
	}
	return port
}

// normalizeUUIDPrefix checks a user-chosen uuid_prefix: "_hw" passes
// through unchanged (meaning "derive from hardware"), anything else must be
// ASCII alphanumeric, at least two characters, truncated to 8.
func normalizeUUIDPrefix(x string) (string, bool) {
	x = strings.TrimSpace(x)
	if x == "_hw" {
		return x, true
	}
	if len(x) <= 1 {
		return "", false
	}
	for _, r := range x {
		if r >= 128 || !isAlphaNumericASCII(r) {
			return "", false
		}
	}
	if len(x) > 8 {
		x = x[:8]
	}
	return x, true
}

func isAlphaNumericASCII(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func defaultCompiler(available []string) string {
	for _, c := range available {
		if c == "g++" {
			return "g++"
		}
	}
	return available[0]
}

// Save writes the config back to path, persisting credentials and the
// current [parameters]/[private] values. Called after every successful
// startup so the next start picks up whatever the CLI overrode.
func Save(path string, c *Config) error {
	f := ini.Empty()

	login, err := f.NewSection("login")
	if err != nil {
		return fmt.Errorf("config: creating [login] section: %w", err)
	}
	login.Key("username").SetValue(c.Username)
	login.Key("password").SetValue(c.Password)

	params, err := f.NewSection("parameters")
	if err != nil {
		return fmt.Errorf("config: creating [parameters] section: %w", err)
	}
	params.Key("protocol").SetValue(c.Protocol)
	params.Key("host").SetValue(c.Host)
	params.Key("port").SetValue(strconv.Itoa(c.Port))
	params.Key("concurrency").SetValue(c.ConcurrencyExpr)
	params.Key("max_memory").SetValue(c.MaxMemoryExpr)
	params.Key("uuid_prefix").SetValue(c.UUIDPrefix)
	params.Key("min_threads").SetValue(strconv.Itoa(c.MinThreads))
	params.Key("fleet").SetValue(strconv.FormatBool(c.Fleet))
	params.Key("global_cache").SetValue(c.GlobalCache)
	params.Key("compiler").SetValue(c.Compiler)

	private, err := f.NewSection("private")
	if err != nil {
		return fmt.Errorf("config: creating [private] section: %w", err)
	}
	private.Key("hw_seed").SetValue(strconv.FormatUint(uint64(c.HWSeed), 10))

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
