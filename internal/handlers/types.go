package handlers

// WindowUsage is the occupancy of one configured window.
type WindowUsage struct {
	Key             string  `doc:"Store key of the window"          example:"quota:{default}:second" json:"key"`
	Capacity        int64   `doc:"Maximum admissions in the window" example:"100"                    json:"capacity"`
	DurationSeconds float64 `doc:"Window length in seconds"         example:"1"                      json:"durationSeconds"`
	Count           int64   `doc:"Live admissions in the window"    example:"42"                     json:"count"`
	Remaining       int64   `doc:"Admissions left right now"        example:"58"                     json:"remaining"`
}

// QuotaResponse is the response for the quota usage endpoint.
type QuotaResponse struct {
	Body struct {
		Strategy string        `doc:"Evaluation path selected at startup" example:"atomic" json:"strategy"`
		Windows  []WindowUsage `doc:"Usage per configured window"                          json:"windows"`
	}
}

// AdmitRequest is the request for the admission endpoint.
type AdmitRequest struct {
	TimeoutMillis int64 `doc:"Give up after this many milliseconds; 0 uses the server's wait policy" maximum:"86400000" minimum:"0" query:"timeoutMs"`
}

// AdmitResponse is the response for a granted admission.
type AdmitResponse struct {
	Body struct {
		Admitted     bool    `doc:"Always true on success"           json:"admitted"`
		WaitedMillis float64 `doc:"Time spent waiting for admission" json:"waitedMs"`
	}
}
