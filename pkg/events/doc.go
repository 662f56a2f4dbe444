/*
Package events provides the manager's event broker.

The core publishes unit state changes, job completions and manager
lifecycle events; subscribers (the monitor stream of the command channel)
receive them on buffered channels. A slow subscriber drops events rather
than stalling the loop.
*/
package events
