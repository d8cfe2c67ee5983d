package logging

import (
	"github.com/RichardoC/chat-relay/internal/config"
	"go.uber.org/zap"
)

// New returns a JSON production logger in production and a human-readable
// debug logger everywhere else.
func New(env config.Environment) (*zap.Logger, error) {
	if env.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
