// Package wizard provides an interactive setup wizard for zia.
package wizard

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/TKFRvisionOfficial/zia/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: config location and tunnel role
	configPath, mode, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Mode = mode

	// Step 2: role-specific settings
	switch mode {
	case config.ModeClient:
		if err := w.askClientConfig(cfg); err != nil {
			return nil, err
		}
	case config.ModeServer:
		if err := w.askServerConfig(cfg); err != nil {
			return nil, err
		}
	}

	// Step 3: logging and metrics
	if err := w.askAdvancedOptions(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
      _
  ___(_) __ _
 |_  / |/ _` + "`" + ` |
  / /| | (_| |
 /___|_|\__,_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP over WebSocket Tunnel - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (configPath, mode string, err error) {
	configPath = "./config.yaml"
	mode = config.ModeClient

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose which half of the tunnel this machine runs."),

			huh.NewSelect[string]().
				Title("Tunnel Role").
				Options(
					huh.NewOption("Client (local UDP in, WebSocket out)", config.ModeClient),
					huh.NewOption("Server (WebSocket in, UDP out)", config.ModeServer),
				).
				Value(&mode),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askClientConfig(cfg *config.Config) error {
	var useProxy bool
	poolSize := strconv.Itoa(cfg.Client.PoolSize)
	masking := cfg.ClientMasking()

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client Configuration").
				Description("Local datagrams arriving on the listen address are\ntunnelled to the upstream endpoint."),

			huh.NewInput().
				Title("UDP Listen Address").
				Description("Where local applications send their datagrams").
				Placeholder("127.0.0.1:5353").
				Value(&cfg.Client.Listen).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Upstream Endpoint").
				Description("ws:// or wss:// URL of the tunnel server").
				Placeholder("wss://tunnel.example.com/udp").
				Value(&cfg.Client.Upstream).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("upstream is required")
					}
					u, err := url.Parse(s)
					if err != nil {
						return fmt.Errorf("invalid URL")
					}
					if u.Scheme != "ws" && u.Scheme != "wss" {
						return fmt.Errorf("scheme must be ws or wss")
					}
					return nil
				}),

			huh.NewInput().
				Title("Connection Pool Size").
				Description("Parallel WebSocket connections to the server").
				Placeholder("4").
				Value(&poolSize).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return fmt.Errorf("must be a positive number")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Mask outbound frames?").
				Description("Disable only on trusted links to skip the XOR pass").
				Value(&masking),

			huh.NewConfirm().
				Title("Connect through a proxy?").
				Value(&useProxy),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Client.PoolSize, _ = strconv.Atoi(poolSize)
	cfg.Client.Masking = &masking

	if useProxy {
		if err := w.askProxyConfig(cfg); err != nil {
			return err
		}
	}

	return nil
}

func (w *Wizard) askProxyConfig(cfg *config.Config) error {
	var useAuth bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Proxy").
				Description("The tunnel supports HTTP CONNECT and SOCKS5 proxies."),

			huh.NewInput().
				Title("Proxy URL").
				Description("http://, https:// or socks5:// locator").
				Placeholder("http://proxy.corp.local:8080").
				Value(&cfg.Client.Proxy).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("proxy URL is required")
					}
					u, err := url.Parse(s)
					if err != nil {
						return fmt.Errorf("invalid URL")
					}
					switch u.Scheme {
					case "http", "https", "socks5":
						return nil
					default:
						return fmt.Errorf("scheme must be http, https or socks5")
					}
				}),

			huh.NewConfirm().
				Title("Proxy requires authentication?").
				Value(&useAuth),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if useAuth {
		authForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Username").
					Value(&cfg.Client.ProxyAuth.Username).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("username required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&cfg.Client.ProxyAuth.Password).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("password required")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err := authForm.Run(); err != nil {
			return err
		}
	}

	return nil
}

func (w *Wizard) askServerConfig(cfg *config.Config) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server Configuration").
				Description("Tunnelled datagrams are delivered to the upstream\nUDP destination."),

			huh.NewInput().
				Title("TCP Listen Address").
				Description("Where tunnel clients connect").
				Placeholder("0.0.0.0:8080").
				Value(&cfg.Server.Listen).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Upstream UDP Destination").
				Description("host:port every datagram is forwarded to").
				Placeholder("127.0.0.1:53").
				Value(&cfg.Server.Upstream).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("upstream is required")
					}
					return validateHostPort(s)
				}),

			huh.NewSelect[string]().
				Title("Listener Mode").
				Description("WebSocket framing or raw byte pass-through").
				Options(
					huh.NewOption("WebSocket (standard clients, proxy-friendly)", config.ListenerWS),
					huh.NewOption("Raw (no framing, one datagram per read)", config.ListenerRaw),
				).
				Value(&cfg.Server.Listener),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(cfg *config.Config) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&cfg.Log.Level),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text (human-readable)", "text"),
					huh.NewOption("JSON (machine-readable)", "json"),
				).
				Value(&cfg.Log.Format),

			huh.NewConfirm().
				Title("Enable Prometheus metrics endpoint?").
				Value(&cfg.Metrics.Enabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		addrForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Metrics Address").
					Placeholder("127.0.0.1:9185").
					Value(&cfg.Metrics.Address).
					Validate(validateHostPort),
			),
		).WithTheme(w.theme)

		if err := addrForm.Run(); err != nil {
			return err
		}
	}

	return nil
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# zia Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Mode:         %s\n", cfg.Mode)
	fmt.Printf("  Config file:  %s\n", configPath)

	switch cfg.Mode {
	case config.ModeClient:
		fmt.Printf("  UDP listen:   %s\n", cfg.Client.Listen)
		fmt.Printf("  Upstream:     %s\n", cfg.Client.Upstream)
		if cfg.Client.Proxy != "" {
			fmt.Printf("  Proxy:        %s\n", cfg.Client.Proxy)
		}
		fmt.Printf("  Pool size:    %d\n", cfg.Client.PoolSize)
		fmt.Printf("  Max payload:  %s\n", humanize.IBytes(cfg.ClientMaxPayload()))
	case config.ModeServer:
		fmt.Printf("  TCP listen:   %s\n", cfg.Server.Listen)
		fmt.Printf("  UDP upstream: %s\n", cfg.Server.Upstream)
		fmt.Printf("  Listener:     %s\n", cfg.Server.Listener)
	}

	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:      http://%s/metrics\n", cfg.Metrics.Address)
	}

	fmt.Println()
	fmt.Println("  To start the tunnel:")
	fmt.Printf("    zia %s -c %s\n", cfg.Mode, configPath)
	fmt.Println()
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}
