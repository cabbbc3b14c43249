package web

import (
	"embed"
)

// staticFiles holds the status page and its assets.
//
//go:embed static/*
var staticFiles embed.FS
