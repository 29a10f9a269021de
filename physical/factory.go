package physical

import (
	"github.com/stephnangue/wearlink/logger"
)

// Factory creates a Backend from its storage block options.
type Factory func(config map[string]string, log logger.Logger) (Backend, error)
