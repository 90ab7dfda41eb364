// Package tgui holds small helpers for Telegram HTML messages and inline
// keyboards: escaping, formatting tags, callback data and paging.
package tgui
