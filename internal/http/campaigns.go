package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/pressroom/campaign-engine/internal/control"
	"github.com/pressroom/campaign-engine/internal/dispatch"
	"github.com/pressroom/campaign-engine/internal/http/middleware"
	"github.com/pressroom/campaign-engine/internal/launch"
	"github.com/pressroom/campaign-engine/internal/metrics"
	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/snapshot"
	"github.com/pressroom/campaign-engine/internal/stats"
)

func campaignID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// actor resolves the authenticated operator as an audit string.
func actor(c echo.Context) string {
	if id, ok := middleware.OperatorIDFromCtx(c); ok && id > 0 {
		return "operator:" + strconv.FormatInt(id, 10)
	}
	return "operator:unknown"
}

// Business conditions come back as success=false with 409; infra errors 500.
func respond(c echo.Context, success bool, body any) error {
	if success {
		return c.JSON(http.StatusOK, body)
	}
	return c.JSON(http.StatusConflict, body)
}

func observeOp(op string, success bool) {
	result := "ok"
	if !success {
		result = "rejected"
	}
	metrics.ControlOpsTotal.WithLabelValues(op, result).Inc()
}

func observeOpError(op string) {
	metrics.ControlOpsTotal.WithLabelValues(op, "error").Inc()
}

func startCampaignHandler(launcher *launch.Launcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignID(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		res, err := launcher.Start(c.Request().Context(), id, actor(c))
		if err != nil {
			log.Errorf("start campaign=%d failed: %v", id, err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return respond(c, res.Success, res)
	}
}

type pauseReq struct {
	Reason string `json:"reason"`
}

func pauseCampaignHandler(svc *control.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignID(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		var req pauseReq
		_ = c.Bind(&req)

		res, err := svc.Pause(c.Request().Context(), id, strings.TrimSpace(req.Reason), actor(c))
		if err != nil {
			log.Errorf("pause campaign=%d failed: %v", id, err)
			observeOpError("pause")

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		observeOp("pause", res.Success)

		return respond(c, res.Success, res)
	}
}

func resumeCampaignHandler(svc *control.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignID(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		res, err := svc.Resume(c.Request().Context(), id, actor(c))
		if err != nil {
			log.Errorf("resume campaign=%d failed: %v", id, err)
			observeOpError("resume")

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		observeOp("resume", res.Success)

		return respond(c, res.Success, res)
	}
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func cancelCampaignHandler(svc *control.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignID(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		var req cancelReq
		_ = c.Bind(&req)

		res, err := svc.Cancel(c.Request().Context(), id, strings.TrimSpace(req.Reason), actor(c))
		if err != nil {
			log.Errorf("cancel campaign=%d failed: %v", id, err)
			observeOpError("cancel")

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		observeOp("cancel", res.Success)

		return respond(c, res.Success, res)
	}
}

type stopAllReq struct {
	Reason string `json:"reason"`
}

func emergencyStopHandler(svc *control.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req stopAllReq
		_ = c.Bind(&req)

		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "emergency stop"
		}

		res, err := svc.EmergencyStopAll(c.Request().Context(), reason, actor(c))
		if err != nil {
			log.Errorf("emergency stop failed: %v", err)
			observeOpError("stop_all")

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		observeOp("stop_all", res.Success)

		return respond(c, res.Success, res)
	}
}

type retriesReq struct {
	MaxRetries int `json:"max_retries"`
}

func retryDeliveriesHandler(svc *dispatch.Service, defaultMaxRetries int) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignID(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		req := retriesReq{MaxRetries: defaultMaxRetries}
		_ = c.Bind(&req)

		res, err := svc.RetryFailedDeliveries(c.Request().Context(), id, req.MaxRetries)
		if err != nil {
			log.Errorf("retry campaign=%d failed: %v", id, err)
			observeOpError("retry")

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		observeOp("retry", res.Success)

		return respond(c, res.Success, res)
	}
}

type deadLettersReq struct {
	MaxAttempts int `json:"max_attempts"`
}

func deadLetterHandler(svc *dispatch.Service, defaultMaxAttempts int) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignID(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		req := deadLettersReq{MaxAttempts: defaultMaxAttempts}
		_ = c.Bind(&req)

		res, err := svc.MoveToDeadLetterQueue(c.Request().Context(), id, req.MaxAttempts)
		if err != nil {
			log.Errorf("dead-letter campaign=%d failed: %v", id, err)
			observeOpError("dlq")

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		observeOp("dlq", res.Success)

		return respond(c, res.Success, res)
	}
}

func createSnapshotHandler(builder *snapshot.Builder) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignID(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		res, err := builder.CreateSnapshot(c.Request().Context(), id)
		if err != nil {
			log.Errorf("snapshot campaign=%d failed: %v", id, err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "snapshot build failed"})
		}
		return respond(c, res.Success, res)
	}
}

func verifySnapshotHandler(builder *snapshot.Builder) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignID(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		valid, err := builder.VerifySnapshot(c.Request().Context(), id)
		if err != nil {
			if err == snapshot.ErrSnapshotNotFound {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "no snapshot"})
			}
			log.Errorf("verify snapshot campaign=%d failed: %v", id, err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{"campaign_id": id, "valid": valid})
	}
}

func campaignStatsHandler(svc *stats.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignID(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		st, err := svc.CampaignStatistics(c.Request().Context(), id)
		if err != nil {
			log.Errorf("stats campaign=%d failed: %v", id, err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if st == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign not found"})
		}

		return c.JSON(http.StatusOK, st)
	}
}

type engagementReq struct {
	Status string `json:"status"` // delivered|opened|clicked|bounced|complained
}

func recordEngagementHandler(svc *dispatch.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		deliveryID := strings.TrimSpace(c.Param("id"))
		if deliveryID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad delivery id"})
		}

		var req engagementReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		st := model.DeliveryStatus(strings.TrimSpace(req.Status))
		if !st.Engagement() && st != model.DeliveryDelivered {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
		}

		res, err := svc.RecordEngagement(c.Request().Context(), deliveryID, st)
		if err != nil {
			log.Errorf("engagement delivery=%s failed: %v", deliveryID, err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return respond(c, res.Success, res)
	}
}
