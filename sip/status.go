package sip

// RFC 3261 and common extension response status codes.
const (
	StatusTrying             StatusCode = 100
	StatusRinging            StatusCode = 180
	StatusCallIsBeingForward StatusCode = 181
	StatusQueued             StatusCode = 182
	StatusSessionProgress    StatusCode = 183

	StatusOK StatusCode = 200

	StatusMultipleChoices  StatusCode = 300
	StatusMovedPermanently StatusCode = 301
	StatusMovedTemporarily StatusCode = 302
	StatusUseProxy         StatusCode = 305

	StatusBadRequest                  StatusCode = 400
	StatusUnauthorized                StatusCode = 401
	StatusPaymentRequired             StatusCode = 402
	StatusForbidden                   StatusCode = 403
	StatusNotFound                    StatusCode = 404
	StatusMethodNotAllowed            StatusCode = 405
	StatusNotAcceptable               StatusCode = 406
	StatusProxyAuthRequired           StatusCode = 407
	StatusRequestTimeout              StatusCode = 408
	StatusGone                        StatusCode = 410
	StatusRequestEntityTooLarge       StatusCode = 413
	StatusRequestURITooLong           StatusCode = 414
	StatusUnsupportedMediaType        StatusCode = 415
	StatusUnsupportedURIScheme        StatusCode = 416
	StatusBadExtension                StatusCode = 420
	StatusExtensionRequired           StatusCode = 421
	StatusIntervalTooBrief            StatusCode = 423
	StatusTemporarilyUnavailable      StatusCode = 480
	StatusCallTransactionDoesNotExist StatusCode = 481
	StatusLoopDetected                StatusCode = 482
	StatusTooManyHops                 StatusCode = 483
	StatusAddressIncomplete           StatusCode = 484
	StatusAmbiguous                   StatusCode = 485
	StatusBusyHere                    StatusCode = 486
	StatusRequestTerminated           StatusCode = 487
	StatusNotAcceptableHere           StatusCode = 488
	StatusRequestPending              StatusCode = 491
	StatusUndecipherable              StatusCode = 493

	StatusInternalServerError StatusCode = 500
	StatusNotImplemented      StatusCode = 501
	StatusBadGateway          StatusCode = 502
	StatusServiceUnavailable  StatusCode = 503
	StatusGatewayTimeout      StatusCode = 504
	StatusVersionNotSupported StatusCode = 505
	StatusMessageTooLarge     StatusCode = 513

	StatusBusyEverywhere       StatusCode = 600
	StatusDecline              StatusCode = 603
	StatusDoesNotExistAnywhere StatusCode = 604
	StatusNotAcceptableGlobal  StatusCode = 606
)

// StatusText maps common status codes to their RFC 3261 reason phrase.
// Codes outside this table have no canonical phrase here; callers should
// supply their own reason in that case.
var statusText = map[StatusCode]string{
	StatusTrying:                       "Trying",
	StatusRinging:                      "Ringing",
	StatusCallIsBeingForward:           "Call Is Being Forwarded",
	StatusQueued:                       "Queued",
	StatusSessionProgress:              "Session Progress",
	StatusOK:                           "OK",
	StatusMultipleChoices:              "Multiple Choices",
	StatusMovedPermanently:             "Moved Permanently",
	StatusMovedTemporarily:             "Moved Temporarily",
	StatusUseProxy:                     "Use Proxy",
	StatusBadRequest:                   "Bad Request",
	StatusUnauthorized:                 "Unauthorized",
	StatusPaymentRequired:              "Payment Required",
	StatusForbidden:                    "Forbidden",
	StatusNotFound:                     "Not Found",
	StatusMethodNotAllowed:             "Method Not Allowed",
	StatusNotAcceptable:                "Not Acceptable",
	StatusProxyAuthRequired:            "Proxy Authentication Required",
	StatusRequestTimeout:               "Request Timeout",
	StatusGone:                         "Gone",
	StatusRequestEntityTooLarge:        "Request Entity Too Large",
	StatusRequestURITooLong:            "Request-URI Too Long",
	StatusUnsupportedMediaType:         "Unsupported Media Type",
	StatusUnsupportedURIScheme:         "Unsupported URI Scheme",
	StatusBadExtension:                 "Bad Extension",
	StatusExtensionRequired:            "Extension Required",
	StatusIntervalTooBrief:             "Interval Too Brief",
	StatusTemporarilyUnavailable:       "Temporarily Unavailable",
	StatusCallTransactionDoesNotExist:  "Call/Transaction Does Not Exist",
	StatusLoopDetected:                 "Loop Detected",
	StatusTooManyHops:                  "Too Many Hops",
	StatusAddressIncomplete:            "Address Incomplete",
	StatusAmbiguous:                    "Ambiguous",
	StatusBusyHere:                     "Busy Here",
	StatusRequestTerminated:            "Request Terminated",
	StatusNotAcceptableHere:            "Not Acceptable Here",
	StatusRequestPending:               "Request Pending",
	StatusUndecipherable:               "Undecipherable",
	StatusInternalServerError:          "Server Internal Error",
	StatusNotImplemented:               "Not Implemented",
	StatusBadGateway:                   "Bad Gateway",
	StatusServiceUnavailable:           "Service Unavailable",
	StatusGatewayTimeout:               "Server Time-out",
	StatusVersionNotSupported:          "Version Not Supported",
	StatusMessageTooLarge:              "Message Too Large",
	StatusBusyEverywhere:               "Busy Everywhere",
	StatusDecline:                      "Decline",
	StatusDoesNotExistAnywhere:         "Does Not Exist Anywhere",
	StatusNotAcceptableGlobal:          "Not Acceptable",
}

// StatusText returns the RFC 3261 reason phrase for code, or "" if code has
// no canonical phrase in this table.
func StatusText(code StatusCode) string {
	return statusText[code]
}
