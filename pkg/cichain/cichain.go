// Package cichain provides the public API for embedding the pipeline
// service in another program.
package cichain

import (
	"github.com/jackvz/gitlab-foss/internal/runtime"
)

// App is the assembled service. See internal/runtime.App.
type App = runtime.App

// Option is a functional option for configuring an App.
type Option = runtime.Option

// New loads the configuration and builds an App.
// Example:
//
//	app, err := cichain.New(ctx, cichain.WithFileConfig("config.yaml"))
//	if err != nil {
//	    return err
//	}
//	defer app.Close()
//	return app.Run(ctx)
var New = runtime.New

var (
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider
	WithStore          = runtime.WithStore
	WithLogger         = runtime.WithLogger
)
