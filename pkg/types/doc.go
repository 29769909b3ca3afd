/*
Package types defines the core data structures shared across the enrollment
authority.

This package holds the domain model everything else in the module operates
on: enrolled-agent credential records, the pending-mutation queue entries
the durable writer flushes, and the entity records the integrity
synchronizer exchanges digests over. No package outside types should need
to define its own copy of these shapes.

# Contents

  - CredentialRecord and its antiquity calculation
  - EnrollmentIntent, the materialized form of a parsed request
  - PendingMutation and PendingKind, the unit of work queued for the writer
  - AgentRole, distinguishing primary from follower
  - EntityRecord, SyncRange and SyncRoundResult for the integrity synchronizer
*/
package types
