package api

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fathomlabs/fathom/pkg/models"
)

// Query length bounds in characters, applied after trimming.
const (
	minQueryChars = 3
	maxQueryChars = 2000
)

// History paging bounds.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// injectionPatterns rejects queries carrying markup fragments that would
// survive into stored reports. Matching is case-insensitive.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+=`),
}

// ResearchRequest is the body of POST /research.
type ResearchRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
}

// validateResearchRequest normalizes and checks a research request,
// returning the trimmed query and resolved mode. Mode defaults to
// standard when absent.
func validateResearchRequest(req ResearchRequest) (string, models.Mode, error) {
	query := strings.TrimSpace(req.Query)

	if n := utf8.RuneCountInString(query); n < minQueryChars || n > maxQueryChars {
		return "", "", NewValidationError("query",
			"query must be between 3 and 2000 characters")
	}
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(query) {
			return "", "", NewValidationError("query",
				"query contains disallowed content")
		}
	}

	mode, ok := models.ParseMode(req.Mode)
	if !ok {
		return "", "", NewValidationError("mode",
			"mode must be one of: quick, standard, deep")
	}
	return query, mode, nil
}

// canonicalUUIDLen is the 8-4-4-4-12 hyphenated form. uuid.Parse also
// accepts braced, bare, and urn: forms; the length guard pins the
// canonical shape session ids are issued in.
const canonicalUUIDLen = 36

// sessionIDParam validates the :id path segment as a canonical UUID.
func sessionIDParam(c *gin.Context) (string, error) {
	id := c.Param("id")
	if len(id) != canonicalUUIDLen {
		return "", NewValidationError("id", "session id must be a valid UUID")
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", NewValidationError("id", "session id must be a valid UUID")
	}
	return id, nil
}

// historyParams reads limit and offset from the query string. Out-of-range
// values clamp to the nearest bound; unparseable values keep the defaults.
func historyParams(c *gin.Context) (limit, offset int) {
	limit = defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
