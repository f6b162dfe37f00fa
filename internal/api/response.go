package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ConsultPipe/internal/models"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeTwiML = "application/xml"
)

// internalErrorBody is served when a response value cannot be encoded.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("api: cannot marshal static response: " + err.Error())
	}
	return b
}

// writeJSONResponse encodes response as the body of a statusCode reply. Encoding
// happens before any header is written, so a value that fails to marshal turns the
// reply into a 500 carrying the standard error envelope instead.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode failed, serving internal error", "error", err, "status", statusCode)
		body, statusCode = internalErrorBody, http.StatusInternalServerError
	}
	writeBody(w, statusCode, contentTypeJSON, body)
}

// writeTwiMLResponse answers a Twilio webhook with a rendered TwiML document. Twilio
// reads the document only on 200.
func writeTwiMLResponse(w http.ResponseWriter, doc string) {
	writeBody(w, http.StatusOK, contentTypeTwiML, []byte(doc))
}

func writeBody(w http.ResponseWriter, statusCode int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeBody: client write failed", "error", err, "content_type", contentType)
	}
}
