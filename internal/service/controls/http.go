package controls

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Status is the state of both operator controls.
type Status struct {
	AIDisabled    bool   `json:"ai_disabled"`
	AIReason      string `json:"ai_reason,omitempty"`
	TradingPaused bool   `json:"trading_paused"`
	PauseReason   string `json:"pause_reason,omitempty"`
}

// RegisterRoutes mounts the operator endpoints. POST /controls/reload drops
// the cached files so an edit applies immediately instead of after the TTL.
func (f *FileControls) RegisterRoutes(e *echo.Echo) {
	e.GET("/controls", f.handleStatus)
	e.POST("/controls/reload", f.handleReload)
}

func (f *FileControls) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, f.Status())
}

func (f *FileControls) handleReload(c echo.Context) error {
	f.Invalidate()
	st := f.Status()
	f.log.Info("operator controls reloaded")
	return c.JSON(http.StatusOK, st)
}

// Status reads both controls through the cache.
func (f *FileControls) Status() Status {
	var st Status
	st.AIDisabled, st.AIReason = f.AIDisabled()
	st.TradingPaused, st.PauseReason = f.TradingPaused()
	return st
}
