package handler

import (
	"fmt"
	"net/http"

	"voice-gateway/internal/apierrors"
	twilioclient "voice-gateway/internal/clients/twilio"
	"voice-gateway/internal/observability"

	"github.com/gin-gonic/gin"
)

// HandleTwilioSignature rejects webhook requests whose X-Twilio-Signature does
// not match the request URL and form parameters.
func (h *Handler) HandleTwilioSignature(c *gin.Context) {
	if h.validator == nil {
		c.Next()
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		apierrors.BadRequest(c, "INVALID_FORM", "Invalid form body")
		return
	}
	params := make(map[string]string, len(c.Request.PostForm))
	for key, values := range c.Request.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	url := h.webhookURL(c.Request.URL.RequestURI())
	if !h.validator.Validate(url, params, c.GetHeader(signatureHeader)) {
		apierrors.Unauthorized(c, "Invalid Twilio signature")
		return
	}
	c.Next()
}

// callForm holds the webhook parameters the call handlers read.
type callForm struct {
	CallSid        string `form:"CallSid" binding:"required"`
	From           string `form:"From"`
	DialCallStatus string `form:"DialCallStatus"`
}

func bindCallForm(c *gin.Context) (callForm, bool) {
	var form callForm
	if err := c.ShouldBind(&form); err != nil {
		apierrors.ValidationError(c, err)
		return form, false
	}
	return form, true
}

// HandleVoice answers an inbound call by connecting it to a media stream.
func (h *Handler) HandleVoice(c *gin.Context) {
	form, ok := bindCallForm(c)
	if !ok {
		return
	}
	ctx := observability.WithCall(c.Request.Context(), observability.CallFields{CallID: form.CallSid})

	doc, err := twilioclient.StreamTwiML(h.streamURL(), h.webhookURL(PathStreamEnded), form.From)
	if err != nil {
		apierrors.InternalError(c, fmt.Errorf("failed to build stream twiml: %w", err))
		return
	}
	h.logger.Info(ctx, "inbound call answered with media stream")
	c.Data(http.StatusOK, "application/xml", []byte(doc))
}

// HandleStreamEnded runs when the media stream closes and decides what the
// caller hears next: the contact center, an apology, or a goodbye.
func (h *Handler) HandleStreamEnded(c *gin.Context) {
	form, ok := bindCallForm(c)
	if !ok {
		return
	}
	callSid := form.CallSid
	ctx := observability.WithCall(c.Request.Context(), observability.CallFields{CallID: callSid})

	var (
		doc string
		err error
	)
	if pending, ok := h.transfers.Take(callSid); ok {
		h.logger.Info(ctx, fmt.Sprintf("transferring caller to contact center (%s)", pending.Mode))
		doc, err = twilioclient.TransferTwiML(pending, h.webhookURL(PathEscalateStatus))
	} else if outcome, ok := h.sessions.Outcome(callSid); ok && (outcome.Escalated || outcome.FailureReason != "") {
		h.logger.Warn(ctx, fmt.Sprintf("escalated call has no transfer (failure: %q)", outcome.FailureReason))
		doc, err = twilioclient.FailureTwiML()
	} else {
		doc, err = twilioclient.GoodbyeTwiML()
	}
	if err != nil {
		apierrors.InternalError(c, fmt.Errorf("failed to build stream end twiml: %w", err))
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(doc))
}

// HandleEscalateStatus records how the contact center dial ended.
func (h *Handler) HandleEscalateStatus(c *gin.Context) {
	form, ok := bindCallForm(c)
	if !ok {
		return
	}
	status := form.DialCallStatus
	ctx := observability.WithCall(c.Request.Context(), observability.CallFields{CallID: form.CallSid})
	ctx = observability.WithFields(ctx, observability.Field{Key: "dial_call_status", Value: status})

	var (
		doc string
		err error
	)
	switch status {
	case "completed", "answered":
		h.logger.Info(ctx, "contact center dial completed")
		doc, err = twilioclient.GoodbyeTwiML()
	default:
		h.logger.Warn(ctx, "contact center dial did not connect")
		doc, err = twilioclient.FailureTwiML()
	}
	if err != nil {
		apierrors.InternalError(c, fmt.Errorf("failed to build dial status twiml: %w", err))
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(doc))
}
