// Package docevent implements the party-document event-delivery
// pipeline: immutable snapshot rows claimed and delivered at-least-once
// to external subscribers, coordinated only through the relational
// datastore.
package docevent
