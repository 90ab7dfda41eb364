// Package logx is adsbot's structured logging layer on top of zerolog.
//
// Console output stays human readable, the file sink keeps JSON lines, and an
// optional chat sink mirrors WARN+ records into the operator's Telegram log group
// under a rate limit.
package logx
