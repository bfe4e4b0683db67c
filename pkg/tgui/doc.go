// Package tgui contains small helpers for building Telegram messages:
// HTML escaping/wrapping and inline keyboard construction.
package tgui
