package control

import (
	"log/slog"
	"sync"

	"github.com/eiannone/keyboard"
)

// KeyboardConfig maps terminal keys to named controls. Terminal keyboards
// deliver presses only, so bindings fed from here should use the toggle
// modes.
type KeyboardConfig struct {
	Keys    map[string]string `mapstructure:"keys"`
	QuitKey string            `mapstructure:"quit_key"`
}

func (c KeyboardConfig) withDefaults() KeyboardConfig {
	if len(c.Keys) == 0 {
		c.Keys = map[string]string{
			"space": "query",
			"c":     "context",
		}
	}
	if c.QuitKey == "" {
		c.QuitKey = "q"
	}
	return c
}

// Keyboard reads terminal keystrokes and offers them to the adapter as
// press events. Quit requests are surfaced on a channel so the process
// owner decides what shutdown means.
type Keyboard struct {
	cfg     KeyboardConfig
	adapter *Adapter
	log     *slog.Logger
	quit    chan struct{}

	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewKeyboard(cfg KeyboardConfig, adapter *Adapter, log *slog.Logger) *Keyboard {
	if log == nil {
		log = slog.Default()
	}
	return &Keyboard{
		cfg:     cfg.withDefaults(),
		adapter: adapter,
		log:     log,
		quit:    make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Quit is closed when the quit key is pressed.
func (k *Keyboard) Quit() <-chan struct{} { return k.quit }

func (k *Keyboard) Start() error {
	var err error
	k.startOnce.Do(func() {
		if err = keyboard.Open(); err != nil {
			return
		}
		k.started = true
		go k.loop()
	})
	return err
}

func (k *Keyboard) Stop() {
	k.stopOnce.Do(func() {
		close(k.stop)
		_ = keyboard.Close()
	})
	if k.started {
		<-k.done
	}
}

func (k *Keyboard) loop() {
	defer close(k.done)
	for {
		char, key, err := keyboard.GetKey()
		select {
		case <-k.stop:
			return
		default:
		}
		if err != nil {
			k.log.Warn("keyboard_read_failed", "error", err)
			return
		}
		name := keyName(char, key)
		if name == "" {
			continue
		}
		if name == k.cfg.QuitKey || key == keyboard.KeyCtrlC {
			k.log.Info("keyboard_quit", "key", name)
			select {
			case <-k.quit:
			default:
				close(k.quit)
			}
			return
		}
		control, ok := k.cfg.Keys[name]
		if !ok {
			continue
		}
		k.adapter.Offer(Event{Control: control, Kind: Press})
	}
}

func keyName(char rune, key keyboard.Key) string {
	switch key {
	case keyboard.KeySpace:
		return "space"
	case keyboard.KeyEnter:
		return "enter"
	case keyboard.KeyEsc:
		return "esc"
	case keyboard.KeyTab:
		return "tab"
	case keyboard.KeyCtrlC:
		return "ctrl+c"
	}
	if char == 0 {
		return ""
	}
	return string(char)
}
