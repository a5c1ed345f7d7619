// Package win32 enumerates top-level windows and monitors through user32 and
// dwmapi and answers the questions the source exclusion rules ask.
package win32
