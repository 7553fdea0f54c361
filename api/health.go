package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/codehooks-metering/metering-engine/version"
)

// kivikModulePath is looked up in the build's dependency list so /healthz
// can surface which CouchDB driver version is actually running.
const kivikModulePath = "github.com/go-kivik/kivik/v4"

// getHealth is a liveness probe; it does not check store/queue
// connectivity, matching the teacher's lightweight health endpoint. The
// body carries build metadata so an operator can confirm which binary is
// actually deployed without a separate version endpoint.
func (h *Handlers) getHealth(c echo.Context) error {
	build := version.GetBuildInfo()
	resp := map[string]interface{}{
		"status":    "ok",
		"version":   version.GetEngineVersion(),
		"goVersion": build.GoVersion,
	}
	if dep := version.GetDependency(kivikModulePath); dep != nil {
		resp["kivikVersion"] = dep.Version
	}
	return c.JSON(http.StatusOK, resp)
}
