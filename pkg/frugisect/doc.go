/*
Package frugisect picks which revision to test next when bisecting a
regression, so that the total time spent rebuilding is as small as possible.

Plain git bisect halves the number of remaining revisions with every probe.
When testing a revision means building it first, and many revisions are
already present in some build cache (a nix store, a set of docker images),
halving revisions is not the same as halving work: probing an unbuilt
revision can cost hours while a nearby cached one costs seconds. frugisect
prices every candidate through the build system's own dry run, remembers the
results across runs, and picks the revision minimizing the expected total
remaining rebuild cost, assuming the faulty revision is uniformly distributed
among the candidates.

Jobs can most easily be created by passing a job config to [GetJobFromConfig],
but can also be created manually by populating a [Job] struct. For a manually
created job to work, at least the following fields have to be populated:
  - Repository
  - Command, or Dockerfile/DockerfilePath for docker jobs
  - GoodCommit & BadCommit, unless a git bisect session is already in progress

After a job struct was acquired, [Job.Pick] ranks the current candidates once
without recording anything, and [Job.Driver] assembles a [Driver] for the full
loop. [Driver.Bisect] runs that loop to completion, asking the passed
[VerdictFunc] about every probe; [Driver.Next] and [Driver.Report] expose the
same loop step-wise for callers that collect verdicts elsewhere, such as the
bundled HTTP server.

The pieces also compose individually: [ChooseNext] and [Rank] are pure
functions over cost vectors, a [CostCache] persists measurements, and
[CostOracle] implementations price revisions through dry runs ([DryRunOracle])
or docker image existence ([ImageOracle]). Verdict bookkeeping lives behind
[BisectState], either on a real git bisect session ([GitState]) or in memory
([MemoryState]) for simulations.
*/
package frugisect
