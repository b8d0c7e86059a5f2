package rate

import (
	"strings"

	"depthflow/logger"
)

// ReportRateLimitExceeded emits a `rate_limit_exceeded` counter for the symbol
// and logs a warning.
func ReportRateLimitExceeded(log *logger.Log, symbol, ip, dataType string) {
	component := "binance_" + strings.ToLower(dataType)
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": "binance",
		"symbol":   symbol,
		"ip":       ip,
		"type":     strings.ToLower(dataType),
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

func ReportIPBan(log *logger.Log, symbol, ip, dataType string) {
	component := "binance_" + strings.ToLower(dataType)
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": "binance",
		"symbol":   symbol,
		"ip":       ip,
		"type":     strings.ToLower(dataType),
	}
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// Status and error codes Binance answers with when throttling: HTTP 429,
// -1003 (request weight) and -1015 (order rate) are rate limits, HTTP 418 is an
// IP ban.
var limitCodes = map[string]string{
	"429":  "rate",
	"1003": "rate",
	"1015": "rate",
	"418":  "ban",
}

// detectLimit recognises Binance's rate limit and IP ban answers in an error
// message, by numeric code or by wording.
func detectLimit(msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	codes := strings.FieldsFunc(lowerMsg, func(r rune) bool { return r < '0' || r > '9' })
	for _, code := range codes {
		switch limitCodes[code] {
		case "rate":
			rateLimit = true
		case "ban":
			ipBan = true
		}
	}
	if strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") {
		rateLimit = true
	}
	if strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban") {
		ipBan = true
		rateLimit = false
	}
	return
}

// ReportLimitFromMessage records rate limit or ban metrics when msg matches
// one of Binance's limit answers. Other messages are ignored.
func ReportLimitFromMessage(log *logger.Log, symbol, ip, dataType, msg string) bool {
	rateLimit, ipBan := detectLimit(msg)
	if rateLimit {
		ReportRateLimitExceeded(log, symbol, ip, dataType)
	}
	if ipBan {
		ReportIPBan(log, symbol, ip, dataType)
	}
	return rateLimit || ipBan
}
