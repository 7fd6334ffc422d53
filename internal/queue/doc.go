// Package queue stores work items as one JSON file per item, and an item's
// state is the directory its file lives in.
//
// The four areas are pending, claimed, completed, and failed. Every state
// change is a single rename within one filesystem, so an item is in exactly
// one area at any instant. New files are written under tmp/ and fsynced
// before they are renamed into place, so a reader never observes a partially
// written item.
//
// File names are the item's ref, "<priority>-<sequence>.json", and directory
// listings sort in dispatch order. Claim is the only mutual exclusion point
// between consumers: the rename succeeds for exactly one caller.
//
// Requeue writes the replacement pending file before removing the claimed
// one. A crash between those two steps leaves a duplicate, never a loss;
// delivery is at-least-once.
package queue
