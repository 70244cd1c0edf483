package usage

import (
	_ "embed"
	"net/http"
)

//go:embed dom-inspection.js
var domScript []byte

// handleDOMScript serves the client-side DOM probe. Pages either define
// window.PluginDOMSettings inline or let the script fetch dom-settings from
// the directory it was loaded from.
func handleDOMScript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(domScript)
}
