package controls

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"TradePipe/internal/service/cache"
	"TradePipe/pkg/logger"
)

const (
	killSwitchKey = "controls:kill_switch"
	pauseKey      = "controls:global_pause"

	StatusDisabled = "DISABLED"
	ModeRuleOnly   = "RULE_ONLY_ENFORCED"
)

// KillSwitch is the operator file that turns the AI overlay off.
type KillSwitch struct {
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Mode      string `json:"mode"`
	Actor     string `json:"actor,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Active reports whether the switch disables AI.
func (k KillSwitch) Active() bool {
	return k.Status == StatusDisabled || k.Mode == ModeRuleOnly
}

// GlobalPause is the operator file that halts all trading.
type GlobalPause struct {
	TradingPaused bool   `json:"trading_paused"`
	Reason        string `json:"reason"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// FileControls reads operator control files through a short-lived cache.
// A missing file means "not engaged". An unreadable or malformed file
// engages the control.
type FileControls struct {
	killSwitchPath string
	pausePath      string
	ttl            time.Duration
	cache          *cache.TTLCache
	log            *logger.Logger
}

func NewFileControls(killSwitchPath, pausePath string, ttl time.Duration, c *cache.TTLCache, log *logger.Logger) *FileControls {
	if c == nil {
		c = cache.NewTTLCache()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &FileControls{
		killSwitchPath: killSwitchPath,
		pausePath:      pausePath,
		ttl:            ttl,
		cache:          c,
		log:            log,
	}
}

// AIDisabled reports whether the kill switch is engaged, with its reason.
func (f *FileControls) AIDisabled() (bool, string) {
	v, _ := f.cache.GetOrLoad(killSwitchKey, f.ttl, func() (any, error) {
		var ks KillSwitch
		found, err := readJSON(f.killSwitchPath, &ks)
		if err != nil {
			f.log.Error("kill switch file unreadable, forcing rule-only mode",
				logger.String("path", f.killSwitchPath), logger.Error(err))
			return KillSwitch{Status: StatusDisabled, Reason: "KILL_SWITCH_UNREADABLE", Mode: ModeRuleOnly}, nil
		}
		if !found {
			return KillSwitch{}, nil
		}
		return ks, nil
	})
	ks := v.(KillSwitch)
	return ks.Active(), ks.Reason
}

// TradingPaused reports whether the global pause is engaged, with its reason.
func (f *FileControls) TradingPaused() (bool, string) {
	v, _ := f.cache.GetOrLoad(pauseKey, f.ttl, func() (any, error) {
		var gp GlobalPause
		found, err := readJSON(f.pausePath, &gp)
		if err != nil {
			f.log.Error("global pause file unreadable, pausing trading",
				logger.String("path", f.pausePath), logger.Error(err))
			return GlobalPause{TradingPaused: true, Reason: "PAUSE_FILE_UNREADABLE"}, nil
		}
		if !found {
			return GlobalPause{}, nil
		}
		return gp, nil
	})
	gp := v.(GlobalPause)
	return gp.TradingPaused, gp.Reason
}

// Invalidate forces the next read to hit the files.
func (f *FileControls) Invalidate() {
	f.cache.Delete(killSwitchKey)
	f.cache.Delete(pauseKey)
}

func readJSON(path string, dst any) (bool, error) {
	if path == "" {
		return false, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := sonic.ConfigStd.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}
