// Package harness runs stream processor scenarios against the real engine.
//
// A scenario appends events to a fresh in-memory store, scripts the results
// of an event processor per stream position and runs a stream processor until
// it has nothing left to do. Time is simulated: the harness advances a manual
// clock by the duration of each suspension, so retry timeouts of minutes run
// instantly and produce the same trace every time.
//
// # Scenario Format
//
//	name: partitioned-permanent-failure
//	description: "A poisoned partition does not hold back the stream"
//	stream:
//	  id: orders
//	  partitioned: true
//	events:
//	  - { partition: p1, type: OrderPlaced }
//	  - { partition: p2, type: OrderPlaced }
//	script:
//	  - position: 0
//	    outcomes:
//	      - { result: retry, after: 100ms, reason: timeout }
//	assertions:
//	  - type: final_state
//	    position: 2
//	  - type: processed_order
//	    positions: [0, 1, 0]
//	  - type: attempt_count
//	    position: 0
//	    count: 2
//
// Outcomes are consumed in order for each attempt on the event at position.
// Attempts beyond the script succeed.
//
// # Assertion Types
//
//   - final_state: compares the persisted state after the run
//   - processed_order: compares the positions handed to the processor, optionally for one partition
//   - attempt_count: compares how often the event at a position was handed to the processor
//
// # Quiescence
//
// The run ends at the first suspension that no clock movement can resolve:
// waiting for an event or for a retry when no failure is scheduled. A
// permanently failing unpartitioned stream is quiescent at its retry wait.
package harness
