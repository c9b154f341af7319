// Package gc tears down clients the pulse monitor declared dead.
package gc
