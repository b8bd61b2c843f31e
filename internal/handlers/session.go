package handlers

import (
	"bytes"
	"errors"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/decoder"
	"github.com/example/palmid/internal/frame"
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
)

type decisionResponse struct {
	AttemptID  string    `json:"attempt_id"`
	UserKey    string    `json:"user_key"`
	Matched    bool      `json:"matched"`
	TemplateID string    `json:"template_id,omitempty"`
	Frames     int       `json:"frames"`
	LatencyMs  int64     `json:"latency_ms"`
	DecidedAt  time.Time `json:"decided_at"`
}

func (a *api) sessionStatus(c *gin.Context) {
	stats := a.Session.Stats()
	body := gin.H{
		"state": a.Session.State().String(),
		"stats": gin.H{
			"submitted":  stats.Submitted,
			"processed":  stats.Processed,
			"dropped":    stats.Dropped,
			"superseded": stats.Superseded,
			"detected":   stats.Detected,
		},
	}
	if dec, ok := a.Session.LastDecision(); ok {
		body["last_decision"] = decisionResponse{
			AttemptID:  dec.AttemptID,
			UserKey:    dec.User.String(),
			Matched:    dec.Matched,
			TemplateID: dec.TemplateID.String(),
			Frames:     dec.Frames,
			LatencyMs:  dec.Latency.Milliseconds(),
			DecidedAt:  dec.DecidedAt,
		}
	}
	c.JSON(http.StatusOK, body)
}

type modeRequest struct {
	Mode   string `json:"mode"`
	User   string `json:"user"`
	Factor string `json:"factor"`
}

func (a *api) setMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user := credential.UserKey(req.User)
	if user == "" {
		user = credential.DefaultUserKey
	}

	var err error
	switch req.Mode {
	case "model":
		var factor credential.Factor
		factor, err = credential.ParseFactor(req.Factor)
		if err == nil && !factor.IsPalm() {
			err = palmerr.Newf(palmerr.KindInvalidArgument, "factor %s cannot be enrolled from frames", factor)
		}
		if err == nil {
			err = a.Session.SetModelModeForUser(user, factor)
		}
	case "match":
		err = a.Session.SetMatchModeForUser(c.Request.Context(), user)
	case "stop":
		err = a.Session.Stop()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be one of model, match, stop"})
		return
	}
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": a.Session.State().String()})
}

type orientationRequest struct {
	Orientation string `json:"orientation"`
}

func (a *api) setOrientation(c *gin.Context) {
	var req orientationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	o, err := decoder.ParseOrientation(req.Orientation)
	if err == nil {
		err = a.Session.SetCameraOrientation(o)
	}
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// submitFrame accepts either a raw capture (application/octet-stream with
// width, height and depth query parameters) or an encoded PNG/JPEG image.
func (a *api) submitFrame(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read frame"})
		return
	}

	camera, err := cameraSettings(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mediaType, _, _ := mime.ParseMediaType(c.ContentType())
	var width, height, depth int
	switch mediaType {
	case "application/octet-stream":
		if width, err = intQuery(c, "width", 0); err == nil {
			if height, err = intQuery(c, "height", 0); err == nil {
				depth, err = intQuery(c, "depth", frame.DepthBGRA)
			}
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	case "image/png", "image/jpeg":
		data, width, height, err = decodeBGRA(data)
		if errors.Is(err, errImageTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to decode image"})
			return
		}
		depth = frame.DepthBGRA
	default:
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
		return
	}

	if err := a.Session.ProcessFrameData(data, width, height, depth, camera); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		if fallback == 0 {
			return 0, errors.New(name + " is required")
		}
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

func cameraSettings(c *gin.Context) (frame.CameraSettings, error) {
	var cs frame.CameraSettings
	for name, dst := range map[string]*int32{
		"gain":       &cs.Gain,
		"shutter":    &cs.Shutter,
		"brightness": &cs.Brightness,
		"focus":      &cs.Focus,
	} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return cs, errors.New(name + " must be a 32-bit integer")
		}
		*dst = int32(v)
	}
	return cs, nil
}

var errImageTooLarge = errors.New("decoded image exceeds upload limit")

// decodeBGRA decodes an encoded image into tightly packed BGRA rows. The
// header is checked first so a small file cannot declare a huge canvas.
func decodeBGRA(data []byte) ([]byte, int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height)*4 > MaxUploadSize {
		return nil, 0, 0, errImageTooLarge
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}
	b := src.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	pix := rgba.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
	return pix, b.Dx(), b.Dy(), nil
}

func templateID(c *gin.Context) palm.TemplateID {
	return palm.TemplateID(c.Param("id"))
}

func (a *api) addPalmInfo(c *gin.Context) {
	if err := a.Session.AddPalmInfo(templateID(c)); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (a *api) removePalmInfo(c *gin.Context) {
	if err := a.Session.RemovePalmInfo(templateID(c)); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (a *api) retrieveImage(c *gin.Context) {
	if err := a.Session.RetrieveImage(templateID(c)); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (a *api) getResult(c *gin.Context) {
	attemptID := c.Param("id")
	if attemptID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	log, err := a.Results.GetResult(c.Request.Context(), attemptID)
	if err != nil {
		a.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attempt_id":  log.AttemptID,
		"session_id":  log.SessionID,
		"user_key":    log.UserKey,
		"template_id": log.TemplateID,
		"matched":     log.Matched,
		"frames":      log.Frames,
		"latency_ms":  log.LatencyMs,
		"created_at":  log.CreatedAt,
	})
}

func (a *api) metricsSummary(c *gin.Context) {
	summary, err := a.Results.GetMetricsSummary(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
