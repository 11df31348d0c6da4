// Package dispatch assigns orders to cooking bots.
//
// Orders come in two classes. VIP orders are queued behind earlier VIPs but
// ahead of every NORMAL order. Each bot works on one order for a fixed
// ProcessTime, then picks the next free order (VIPs first). Removing a busy
// bot cancels its completion and puts the order back in line.
//
// The Dispatcher is a single event loop: Enqueue, AddBot, RemoveBot,
// Snapshot and the completion timers all run on it one at a time.
package dispatch
