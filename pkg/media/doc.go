// Package media remembers which highlight media have already been handed
// out per target account, so repeated highlight requests page through
// what is new instead of returning the same reels again.
package media
