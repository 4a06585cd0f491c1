package handlers

import "net/http"

// StatusSource returns the current run snapshot, or nil before a run has
// started.
type StatusSource func() any

// StatusHandler serves the snapshot from source as JSON.
func StatusHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var snap any
		if source != nil {
			snap = source()
		}
		if snap == nil {
			WriteError(w, r, http.StatusServiceUnavailable, "NOT_READY", "no run in progress", nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}
