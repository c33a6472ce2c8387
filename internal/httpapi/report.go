package httpapi

import (
	"net/http"
	"time"

	"campus-calls/internal/reporting"

	"github.com/gin-gonic/gin"
)

const defaultReportWindow = 7 * 24 * time.Hour

// CallsReport summarizes calls created in [from, to). Both bounds are RFC 3339;
// to defaults to now and from to a week before it. ?format=html returns the
// downloadable page instead of JSON.
func (h Handlers) CallsReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := time.Now().UTC()
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		to = t
	}
	from := to.Add(-defaultReportWindow)
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		from = t
	}

	summary, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range:       reporting.TimeRange{From: from, To: to},
		ResponderID: c.Query("responder_id"),
	})
	if err != nil {
		h.fail(c, "calls_report", err)
		return
	}

	if c.Query("format") != "html" {
		c.JSON(http.StatusOK, summary)
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="call-report.html"`)
	c.Status(http.StatusOK)
	if err := reporting.RenderHTML(c.Writer, summary); err != nil {
		h.logger(c).Error("render report failed", "err", err)
	}
}
