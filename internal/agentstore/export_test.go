package agentstore

const ClosedRunsPerAgent = closedRunsPerAgent
