package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/decred/go-socks/socks"
	"github.com/jrick/flagfile"
	"github.com/mitchellh/go-homedir"
	strduration "github.com/xhit/go-str2duration/v2"
)

const (
	appName = "mdclient"
)

var (
	// Error to signal loadConfig() completed everything the cmd had to do
	// and main() should exit.
	errCmdDone = errors.New("cmd done")
)

type config struct {
	ServerURL string
	RootDir   string

	KeyStoreDir string
	MsgRoot     string
	MaxMessages int

	LogFile     string
	MaxLogFiles int
	DebugLevel  string

	ReconnectDelay  time.Duration
	FlushDelay      time.Duration
	NameQuietPeriod time.Duration
	NameBatchSize   int
	MinPreKeys      int

	ListenPrometheus string

	PrintQRCodes     bool
	SummaryMaxConvs  int
	SummaryMaxLength int

	// dialFunc opens the connections to the server, possibly through a
	// proxy.
	dialFunc func(context.Context, string, string) (net.Conn, error)
}

func defaultAppDataDir(homeDir string) string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}

		if appData != "" {
			return filepath.Join(appData, appName)
		}

	case "darwin":
		if homeDir != "" {
			return filepath.Join(homeDir, "Library",
				"Application Support", appName)
		}

	default:
		if homeDir != "" {
			return filepath.Join(homeDir, "."+appName)
		}
	}

	return filepath.Join(".", appName)
}

// parseDuration parses the value of a duration flag. Values accept days and
// weeks ("1d", "2w") in addition to the units of time.ParseDuration.
func parseDuration(name, v string) (time.Duration, error) {
	d, err := strduration.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for flag '%s': %v", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("flag '%s' cannot be negative", name)
	}
	return d, nil
}

func expandPath(name, path string) (string, error) {
	res, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("invalid path in flag '%s': %v", name, err)
	}
	return filepath.Clean(res), nil
}

// loadConfig loads the config from the command line args and the config
// file. A missing config file is only an error when it was explicitly
// requested with -cfg.
func loadConfig(args []string, stdout io.Writer) (*config, error) {
	homeDir, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	defaultAppDir := defaultAppDataDir(homeDir)
	defaultCfgFile := filepath.Join(defaultAppDir, appName+".conf")

	// Parse CLI arguments.
	fs := flag.NewFlagSet("CLI Arguments", flag.ContinueOnError)
	fs.SetOutput(stdout)
	flagVersion := fs.Bool("version", false, "Display current version and exit")
	flagCfgFile := fs.String("cfg", "", "Config file to load")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errCmdDone
		}
		return nil, err
	}

	if *flagVersion {
		fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, version,
			runtime.Version())
		return nil, errCmdDone
	}

	cfgFile := defaultCfgFile
	if *flagCfgFile != "" {
		cfgFile, err = expandPath("cfg", *flagCfgFile)
		if err != nil {
			return nil, err
		}
	}

	// Define config file flags.
	fs = flag.NewFlagSet("Config Options", flag.ContinueOnError)
	fs.SetOutput(stdout)
	flagServerURL := fs.String("server", "ws://127.0.0.1:5280/ws/chat", "Websocket URL of the server")
	flagRootDir := fs.String("root", defaultAppDir, "Root of all app data")
	flagReconnectDelay := fs.String("reconnectdelay", "5s", "Delay between connection attempts")
	flagPrintQR := fs.Bool("printqrcodes", true, "Print pairing QR codes to the terminal")
	flagSummaryConvs := fs.Int("summaryconvs", 20, "Number of conversations listed after a history sync")
	flagSummaryLen := fs.Int("summarylength", 60, "Max length of the previews listed after a history sync")
	flagProxyAddr := fs.String("proxyaddr", "", "")
	flagProxyUser := fs.String("proxyuser", "", "")
	flagProxyPass := fs.String("proxypass", "", "")
	flagTorIsolation := fs.Bool("torisolation", false, "")
	flagCircuitLimit := fs.Uint("circuitlimit", 32, "max number of open connections per proxy connection")

	// log
	flagLogFile := fs.String("log.logfile", "", "Log file location")
	flagMaxLogFiles := fs.Int("log.maxlogfiles", 0, "Max log files")
	flagDebugLevel := fs.String("log.debuglevel", "info", "Debug Level")

	// store
	flagKeyStoreDir := fs.String("store.keystore", "", "Key material database dir")
	flagMsgRoot := fs.String("store.msgroot", "", "Root of the conversations and messages db")
	flagMaxMessages := fs.Int("store.maxmessages", 1000, "Max messages retained per conversation")
	flagFlushDelay := fs.String("store.flushdelay", "3s", "Delay between a change and its persistence")
	flagMinPreKeys := fs.Int("store.minprekeys", 5, "Warn when fewer pre-keys are available")

	// names
	flagNameQuiet := fs.String("names.quietperiod", "2s", "Quiet period before resolving names")
	flagNameBatch := fs.Int("names.batchsize", 100, "Max ids per directory query")

	// metrics
	flagListenPrometheus := fs.String("metrics.listenprometheus", "", "Address of the Prometheus metrics endpoint")

	f, err := os.Open(cfgFile)
	switch {
	case os.IsNotExist(err) && *flagCfgFile == "":
		// Run with the defaults.
	case err != nil:
		return nil, err
	default:
		parser := flagfile.Parser{
			ParseSections: true,
		}
		err := parser.Parse(f, fs)
		f.Close()
		if err != nil {
			return nil, err
		}
	}

	// Sanity check loaded flags.
	if *flagServerURL == "" {
		return nil, fmt.Errorf("flag 'server' cannot be empty")
	}
	if *flagRootDir == "" {
		return nil, fmt.Errorf("flag 'root' cannot be empty")
	}
	if *flagMaxMessages < 0 {
		return nil, fmt.Errorf("flag 'store.maxmessages' cannot be negative")
	}

	cfg := &config{
		ServerURL:        *flagServerURL,
		MaxMessages:      *flagMaxMessages,
		MaxLogFiles:      *flagMaxLogFiles,
		DebugLevel:       *flagDebugLevel,
		NameBatchSize:    *flagNameBatch,
		MinPreKeys:       *flagMinPreKeys,
		ListenPrometheus: *flagListenPrometheus,
		PrintQRCodes:     *flagPrintQR,
		SummaryMaxConvs:  *flagSummaryConvs,
		SummaryMaxLength: *flagSummaryLen,
	}
	if cfg.ReconnectDelay, err = parseDuration("reconnectdelay", *flagReconnectDelay); err != nil {
		return nil, err
	}
	if cfg.FlushDelay, err = parseDuration("store.flushdelay", *flagFlushDelay); err != nil {
		return nil, err
	}
	if cfg.NameQuietPeriod, err = parseDuration("names.quietperiod", *flagNameQuiet); err != nil {
		return nil, err
	}

	var d net.Dialer
	cfg.dialFunc = d.DialContext
	if *flagProxyAddr != "" {
		proxy := socks.Proxy{
			Addr:         *flagProxyAddr,
			Username:     *flagProxyUser,
			Password:     *flagProxyPass,
			TorIsolation: *flagTorIsolation,
		}
		if *flagTorIsolation {
			cfg.dialFunc = socks.NewPool(proxy, uint32(*flagCircuitLimit)).DialContext
		} else {
			cfg.dialFunc = proxy.DialContext
		}
	}

	// Clean paths. Paths left empty are derived from the root.
	if cfg.RootDir, err = expandPath("root", *flagRootDir); err != nil {
		return nil, err
	}
	paths := []struct {
		name string
		dst  *string
		v    string
		def  string
	}{
		{"log.logfile", &cfg.LogFile, *flagLogFile, filepath.Join("logs", appName+".log")},
		{"store.keystore", &cfg.KeyStoreDir, *flagKeyStoreDir, "keystore"},
		{"store.msgroot", &cfg.MsgRoot, *flagMsgRoot, "db"},
	}
	for _, p := range paths {
		if p.v == "" {
			*p.dst = filepath.Join(cfg.RootDir, p.def)
			continue
		}
		if *p.dst, err = expandPath(p.name, p.v); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}
