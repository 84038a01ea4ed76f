package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"oidcrp/server"
)

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// line reads one answer. ok turns false once input is exhausted.
func (p *prompter) line(label string) (answer string, ok bool) {
	fmt.Fprintf(p.out, "%s: ", label)
	s, err := p.in.ReadString('\n')
	return strings.TrimSpace(s), err == nil || s != ""
}

func (p *prompter) text(label, def string) string {
	if def != "" {
		label = fmt.Sprintf("%s [%s]", label, def)
	}
	if s, _ := p.line(label); s != "" {
		return s
	}
	return def
}

func (p *prompter) required(label string) string {
	for {
		s, ok := p.line(label)
		if s != "" || !ok {
			return s
		}
		fmt.Fprintln(p.out, "  a value is required")
	}
}

func (p *prompter) confirm(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		s, ok := p.line(fmt.Sprintf("%s [%s]", label, hint))
		switch strings.ToLower(s) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if !ok {
			return def
		}
		fmt.Fprintln(p.out, "  answer y or n")
	}
}

// runSetup asks for the values a GOV.UK One Login registration needs, writes
// them to path and loads the result back through the normal config path.
func runSetup(in io.Reader, out io.Writer, path string, logger *slog.Logger) (server.Config, error) {
	p := newPrompter(in, out)
	fmt.Fprintf(out, "Creating %s. Press Enter to keep a default.\n", path)

	cfg := server.DefaultConfig()

	cfg.Server.DevMode = p.confirm("Development mode (plain HTTP)", true)
	if cfg.Server.DevMode {
		cfg.Server.DevListenAddr = p.text("Listen address", cfg.Server.DevListenAddr)
		cfg.Server.PublicURL = strings.TrimSuffix(p.text("Public URL", cfg.Server.PublicURL), "/")
	} else {
		domain := strings.TrimSuffix(p.required("Public domain, e.g. rp.example.com"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.TLS.Email = p.text("ACME account email", cfg.Server.TLS.Email)
		cfg.Server.PublicURL = "https://" + domain
	}

	cfg.Client.ClientID = p.required("Client ID")
	cfg.Client.PrivateKeyFile = p.text("Client private key (JWK or PEM file)", "private_key.pem")
	cfg.Client.AssertionAlg = p.text("Client assertion algorithm", cfg.Client.AssertionAlg)
	cfg.Client.RedirectURI = p.text("Redirect URI", cfg.Server.PublicURL+"/oauth/callback")
	cfg.Issuer.Discovery = &server.DiscoveryConfig{
		Endpoint: p.text("Discovery endpoint", server.DefaultDiscoveryEndpoint),
	}

	if p.confirm("Request and verify core identity", false) {
		cfg.Identity.Enabled = true
		cfg.Identity.Issuer = p.required("Identity credential issuer")
		cfg.Identity.PublicKeyFile = p.required("Identity public key (JWK or PEM file)")
		cfg.Identity.MinLevel = strings.ToUpper(p.text("Required level of confidence", cfg.Identity.MinLevel))
		cfg.Identity.Policy = strings.ToLower(p.text("Level policy, exact or minimum", cfg.Identity.Policy))
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("config.written", "path", path)

	return server.LoadConfig(path)
}

// writeConfigFile refuses to replace an existing file.
func writeConfigFile(path string, cfg server.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}
