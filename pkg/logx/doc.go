// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so components can take a small Logger value (safe zero value,
// cheap With() derivation) while the Service owns sink/level configuration
// and can re-apply it live on config reload.
package logx
