package bridge

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Known bridge models.
const (
	ModelHueV1  = "BSB001"
	ModelHueV2  = "BSB002"
	ModelDeconz = "deCONZ"
)

// Manufacturer derives the vendor from the model id reported in /config.
func Manufacturer(model string) string {
	switch model {
	case ModelHueV1, ModelHueV2:
		return "Philips"
	case ModelDeconz:
		return "dresden elektronik"
	}
	return "(unknown)"
}

// Parallelism returns the request parallelism for a model. The round v1
// bridge drops connections under load and is limited to three.
func Parallelism(model string, configured int) int {
	if model == ModelHueV1 {
		return 3
	}
	if configured < 1 {
		return 10
	}
	return configured
}

// checkAPIVersion warns about api versions this module has not been run against.
func checkAPIVersion(log zerolog.Logger, model, version string) {
	switch model {
	case ModelHueV1, ModelHueV2:
		parts := strings.Split(version, ".")
		var major, minor int
		if len(parts) >= 2 {
			major, _ = strconv.Atoi(parts[0])
			minor, _ = strconv.Atoi(parts[1])
		}
		if major != 1 || minor < 15 || minor > 22 {
			log.Warn().Str("apiversion", version).Msg("untested api version")
		}
	case ModelDeconz:
		if version != "1.0.5" {
			log.Warn().Str("apiversion", version).Msg("untested api version")
		}
	default:
		log.Warn().Str("model", model).Msg("unknown bridge model")
	}
}
