// Package engine runs playbooks.
//
// A run is a fixed pipeline:
//
//  1. discover collection and workspace variable files
//  2. parse, expand anchors, merge and resolve {{ ref:NAME }} markers
//  3. write merged.yaml to the artifacts dir
//  4. render the configuration against itself, bounded by max_render_passes,
//     and write final.yaml
//  5. publish the result to a fresh fact store
//  6. load the playbook, render everything but its tasks, merge it over the
//     configuration and write playbook.yaml
//  7. validate the playbook schema and decode its settings
//  8. evaluate policies, then decode the tasks
//  9. execute the tasks in file order
//  10. emit and record the run summary
//
// Stages 1 to 8 fail with an *EngineError classed config, template or
// policy. Task failures never stop the pipeline unless the playbook sets
// fail_fast; they are counted in the RunSummary.
package engine
