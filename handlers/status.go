package handlers

import (
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"kiroproxy/web"
)

// statusPageHandler serves the admin status page. Auth runs in adminAuth;
// the page itself only reads pool and flow state.
func statusPageHandler(c rweb.Context) error {
	total, available := deps.Store.Counts()
	data := web.StatusData{
		Version:     deps.Version,
		Mode:        deps.Store.Mode(),
		Total:       total,
		Available:   available,
		Credentials: deps.Store.List(),
	}
	if deps.Flows != nil {
		stats, err := deps.Flows.Stats()
		if err != nil {
			logger.LogErr(err, "failed to load flow stats for status page")
		} else {
			data.Stats = stats
		}
	}
	return c.WriteHTML(web.StatusPage(data))
}
