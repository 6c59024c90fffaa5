package main

const defaultWorkflowYAML = `heartbeat_interval: 5
max_concurrent_tasks: 2
termination_condition: "accuracy>=0.95"
candidate_abandon_threshold: 5
dispatcher: default
sandbox_image: "aurelia/sandbox:latest"
forwarded_env: []
presubmit_command: ["pixi", "run", "test"]
evaluator_command: ["pixi", "run", "evaluate"]
`
