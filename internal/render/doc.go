// Package render turns agent markdown into styled terminal text.
package render
