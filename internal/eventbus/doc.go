// Package eventbus provides the in-process typed publish-subscribe bus
// used to decouple the device tracker from its consumers.
//
// The tracker publishes NEW_PHY, NEW_DEVICE, and DEVICE_REMOVED events;
// the datasource layer publishes NEW_DATASOURCE. Subscribers receive
// events in publication order on a dedicated goroutine per subscription.
// There is no replay: events published before a subscription exist only
// for subscribers registered at publication time.
package eventbus
