// Package detection implements the two independent classifiers run over a
// rendered page's snapshot: CAPTCHA presence and WAF/rate-limit blocking.
package detection

import (
	"embed"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed providers.yaml
var embeddedFS embed.FS

// CaptchaProvider is one CAPTCHA vendor's detection signals.
type CaptchaProvider struct {
	Name      string   `yaml:"name"`
	Selectors []string `yaml:"selectors"`
	Phrases   []string `yaml:"phrases"`
}

// WAFProvider is one WAF/anti-bot vendor's detection signals.
type WAFProvider struct {
	Name            string   `yaml:"name"`
	StatusWhitelist []int    `yaml:"status_whitelist"`
	Phrases         []string `yaml:"phrases"`
}

func (w WAFProvider) allowsStatus(status int) bool {
	for _, s := range w.StatusWhitelist {
		if s == status {
			return true
		}
	}
	return false
}

// Table is the full provider/phrase table used by both classifiers.
type Table struct {
	CaptchaProviders      []CaptchaProvider `yaml:"captcha_providers"`
	GenericCaptchaPhrases []string          `yaml:"generic_captcha_phrases"`
	WAFProviders          []WAFProvider     `yaml:"waf_providers"`
	SoftChallengePhrases  []string          `yaml:"soft_challenge_phrases"`
	GenericBlockPhrases   []string          `yaml:"generic_block_phrases"`
}

// Manager holds the live Table, hot-reloadable from an external YAML file.
// Reads are lock-free via atomic.Value.
type Manager struct {
	current atomic.Value // Table
	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

func loadEmbedded() Table {
	data, err := embeddedFS.ReadFile("providers.yaml")
	if err != nil {
		log.Error().Err(err).Msg("failed to read embedded provider table")
		return Table{}
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		log.Error().Err(err).Msg("failed to parse embedded provider table")
		return Table{}
	}
	return t
}

// NewManager constructs a Manager starting from the embedded table, and, if
// path is non-empty, overlaying an external file and optionally watching it
// for changes.
func NewManager(path string, hotReload bool) (*Manager, error) {
	m := &Manager{path: path, stopCh: make(chan struct{})}
	m.current.Store(loadEmbedded())

	if path != "" {
		if err := m.reloadFromFile(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to load external provider table, using embedded defaults")
		}
		if hotReload {
			if err := m.watch(); err != nil {
				log.Warn().Err(err).Msg("failed to start provider table hot-reload watcher")
			}
		}
	}
	return m, nil
}

func (m *Manager) reloadFromFile() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return err
	}
	m.current.Store(t)
	log.Info().Str("path", m.path).Msg("provider table reloaded")
	return nil
}

func (m *Manager) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.path); err != nil {
		_ = w.Close()
		return err
	}
	m.watcher = w
	go func() {
		for {
			select {
			case <-m.stopCh:
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := m.reloadFromFile(); err != nil {
						log.Warn().Err(err).Msg("provider table hot-reload failed")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("provider table watcher error")
			}
		}
	}()
	return nil
}

// Table returns the current live table.
func (m *Manager) Table() Table {
	return m.current.Load().(Table)
}

// Close stops the hot-reload watcher, if any.
func (m *Manager) Close() error {
	close(m.stopCh)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
