// Package tgui renders chat replies for Telegram's HTML parse mode.
//
// Builder escapes text by default. Values of type H are treated as already
// safe and pass through unchanged.
package tgui
