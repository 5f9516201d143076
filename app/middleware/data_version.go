package middleware

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	businessflow "github.com/oroshi/shopver/business_flow"
	"github.com/oroshi/shopver/utils"
	"go.uber.org/zap"
)

// DataVersionHeader is the response header carrying the global data
// version. Page caches and CDNs combine it with their static asset version
// to decide whether a cached render is still valid.
const DataVersionHeader = "X-Data-Version"

// DataVersion returns a middleware that stamps GET responses with the
// current global version token. A failed token read never fails the
// request; the header is simply omitted.
func DataVersion(flow businessflow.VersionFlow, logger *zap.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		err := c.Next()

		if c.Method() != fiber.MethodGet {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))

		token, verr := flow.GlobalVersion(ctx)
		if verr != nil {
			logger.Warn("failed to resolve global version for response header", zap.Error(verr))
			return err
		}
		c.Set(DataVersionHeader, token)
		c.Set("ETag", `W/"`+token+`"`)

		return err
	}
}
